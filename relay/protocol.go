// Package relay implements the outbound streaming side of replication: one
// Session per connected replica, reading from the shared memory ring or
// falling back to segment files on disk, and writing framed rows over a
// plain net.Conn. The wire format reuses the WAL's own row-group payload
// encoding inside a frame of a one-byte message type and a four-byte
// length (no checksum on the wire), since the spec
// treats encoding/framing as an externally supplied codec contract rather
// than a protocol this package needs to invent (§1, §6).
package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
	"github.com/nexuswal/walrelay/wal"
)

// msgType tags every frame on the wire.
type msgType uint8

const (
	msgHandshake msgType = iota + 1
	msgSubscribe
	msgJoinRequest
	msgRow
	msgJoinDone
	msgAck
	msgHeartbeat
	msgError
)

const maxMessageLen = 128 << 20

// handshake carries node identity, exchanged once per connection before
// any subscribe/join request (§4.10).
type handshake struct {
	InstanceUUID   [16]byte
	ReplicasetUUID [16]byte
	ReplicaID      uint32
}

func writeFrame(w io.Writer, typ msgType, payload []byte) error {
	if len(payload) > maxMessageLen {
		return fmt.Errorf("relay: frame payload %d exceeds maximum", len(payload))
	}
	var hdr [5]byte
	hdr[0] = byte(typ)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (msgType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	typ := msgType(hdr[0])
	length := binary.LittleEndian.Uint32(hdr[1:])
	if length > maxMessageLen {
		return 0, nil, fmt.Errorf("relay: frame length %d exceeds maximum", length)
	}
	if length == 0 {
		return typ, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

func writeHandshake(w io.Writer, h handshake) error {
	var buf [36]byte
	copy(buf[0:16], h.InstanceUUID[:])
	copy(buf[16:32], h.ReplicasetUUID[:])
	binary.LittleEndian.PutUint32(buf[32:36], h.ReplicaID)
	return writeFrame(w, msgHandshake, buf[:])
}

func readHandshake(r io.Reader) (handshake, error) {
	typ, payload, err := readFrame(r)
	if err != nil {
		return handshake{}, err
	}
	if typ != msgHandshake {
		return handshake{}, fmt.Errorf("relay: expected handshake, got message type %d", typ)
	}
	if len(payload) < 36 {
		return handshake{}, fmt.Errorf("relay: truncated handshake payload")
	}
	var h handshake
	copy(h.InstanceUUID[:], payload[0:16])
	copy(h.ReplicasetUUID[:], payload[16:32])
	h.ReplicaID = binary.LittleEndian.Uint32(payload[32:36])
	return h, nil
}

func writeVClockFrame(w io.Writer, typ msgType, v *vclock.VClock) error {
	var buf bytes.Buffer
	if err := v.WriteTo(&buf); err != nil {
		return err
	}
	return writeFrame(w, typ, buf.Bytes())
}

func readVClockPayload(payload []byte) (*vclock.VClock, error) {
	return vclock.ReadFrom(bytes.NewReader(payload))
}

func writeRowFrame(w io.Writer, rows []core.RowHeader, compression core.CompressionType) error {
	payload, err := wal.EncodeRows(rows, compression)
	if err != nil {
		return err
	}
	return writeFrame(w, msgRow, payload)
}

func readRowFramePayload(payload []byte, compression core.CompressionType) ([]core.RowHeader, error) {
	return wal.DecodeRows(payload, compression)
}
