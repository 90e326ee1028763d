package core

import (
	"encoding/binary"
	"time"
)

// FormatVersion is bumped whenever the on-disk segment framing changes in a
// backward-incompatible way.
const FormatVersion uint8 = 1

// SegmentMagic identifies a WAL segment file; it is the first thing read
// back on open and any mismatch is treated as corruption.
const SegmentMagic uint32 = 0x5741_4c31 // "WAL1"

// CompressionType selects the codec used for a segment's row-group frames.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
)

// FileHeader is written once at the start of every segment file.
type FileHeader struct {
	Magic          uint32
	Version        uint8
	CreatedAt      int64 // UnixNano
	Compression    CompressionType
	InstanceUUID   [16]byte
	ReplicasetUUID [16]byte
}

func (h *FileHeader) Size() int {
	return binary.Size(h)
}

// NewFileHeader builds a header stamped with the current time and the
// node's identity, per §6 "Persisted state layout".
func NewFileHeader(compression CompressionType, instanceUUID, replicasetUUID [16]byte) FileHeader {
	return FileHeader{
		Magic:          SegmentMagic,
		Version:        FormatVersion,
		CreatedAt:      time.Now().UnixNano(),
		Compression:    compression,
		InstanceUUID:   instanceUUID,
		ReplicasetUUID: replicasetUUID,
	}
}
