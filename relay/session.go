package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nexuswal/walrelay/cbus"
	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/ring"
	"github.com/nexuswal/walrelay/vclock"
	"github.com/nexuswal/walrelay/wal"
)

const (
	defaultRingWaitTimeout = 200 * time.Millisecond
	defaultHeartbeat       = time.Second
)

// Session is one relay fiber: the server side of a single replica
// connection. It owns the connection's write side (rows, heartbeats) while
// a separate goroutine drains the read side (acks), mirroring the
// dedicated ack-reader thread the design notes call for in §4.8 so a slow
// or silent replica on the send path never stalls ack processing and vice
// versa.
type Session struct {
	conn        net.Conn
	wal         *wal.Writer
	compression core.CompressionType
	logger      *slog.Logger

	ringWaitTimeout time.Duration
	heartbeat       time.Duration

	replicaID      uint32
	instanceUUID   [16]byte
	replicasetUUID [16]byte

	// localVClockAtSubscribe is the snapshot recorded the moment Subscribe
	// starts streaming live traffic (§4.8 point 1). It is the exception
	// window for the self-origination filter in sendRow: a replica that
	// crashed before persisting its own ack may legitimately re-request
	// rows it originated, up to wherever the local log had already reached
	// when it subscribed.
	localVClockAtSubscribe *vclock.VClock

	// bus/busEndpoint, when set, route ack updates through the "wal"
	// endpoint's cbus handler instead of mutating the writer's MClock
	// directly from this fiber (§4.8 point 3).
	bus         *cbus.Bus
	busEndpoint string

	writeMu sync.Mutex
}

// New creates a Session bound to an accepted connection and the local
// writer it streams from.
func New(conn net.Conn, w *wal.Writer, compression core.CompressionType, instanceUUID, replicasetUUID [16]byte, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:            conn,
		wal:             w,
		compression:     compression,
		instanceUUID:    instanceUUID,
		replicasetUUID:  replicasetUUID,
		logger:          logger.With("component", "relay"),
		ringWaitTimeout: defaultRingWaitTimeout,
		heartbeat:       defaultHeartbeat,
	}
}

// SetBus wires the session onto the named endpoint of bus, so its ack
// reader publishes through the "wal" endpoint's "ack" handler rather than
// touching the writer's MClock from this goroutine. Must be called before
// Subscribe starts, and is unpaired again by Close.
func (s *Session) SetBus(bus *cbus.Bus, endpoint string) {
	s.bus = bus
	s.busEndpoint = endpoint
}

// ReplicaID returns the peer replica id learned during Handshake, or 0 for
// a session that has not bound one yet (an anonymous final-join client).
func (s *Session) ReplicaID() uint32 { return s.replicaID }

// Handshake exchanges node identity with the peer. It must be called
// exactly once, before Subscribe or Join.
func (s *Session) Handshake(selfReplicaID uint32) error {
	if err := writeHandshake(s.conn, handshake{InstanceUUID: s.instanceUUID, ReplicasetUUID: s.replicasetUUID, ReplicaID: selfReplicaID}); err != nil {
		return fmt.Errorf("relay: send handshake: %w", err)
	}
	peer, err := readHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("relay: read peer handshake: %w", err)
	}
	s.replicaID = peer.ReplicaID
	return nil
}

// Join streams the entire retained backlog starting from the oldest
// VClock the engine still has on disk, then transitions into Subscribe
// once the replica has caught up to the VClock the log was at when Join
// began — the "initial join" / "final join" boundary in §4.10. A replica
// needing state older than the retained window is a bootstrap the engine
// cannot serve on its own (that gap is filled by an out-of-scope snapshot
// transfer collaborator); Join returns an error in that case rather than
// silently skipping rows.
func (s *Session) Join(ctx context.Context) error {
	oldest := s.wal.Directory().Oldest()
	if oldest == nil {
		oldest = vclock.New()
	}
	if oldest.Sum() > 0 {
		return core.NewError(core.KindCorrupted, fmt.Sprintf("join needs rows older than the oldest retained segment %s", oldest), nil)
	}
	target := s.wal.VClock()
	if err := s.stream(ctx, oldest, target); err != nil {
		return err
	}
	if err := writeFrame(s.conn, msgJoinDone, nil); err != nil {
		return fmt.Errorf("relay: send join done: %w", err)
	}
	return s.Subscribe(ctx, target)
}

// Subscribe streams every row after from indefinitely, until ctx is
// cancelled or the connection fails. It starts the ack-reader goroutine
// and runs the send loop on the calling goroutine.
func (s *Session) Subscribe(ctx context.Context, from *vclock.VClock) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.localVClockAtSubscribe = s.wal.VClock()

	ackErr := make(chan error, 1)
	go func() {
		ackErr <- s.readAcks(ctx)
	}()

	sendErr := s.stream(ctx, from, nil)
	cancel()
	// The ack reader may be blocked in a read that ctx cannot interrupt;
	// an expired read deadline wakes it so it can be joined.
	_ = s.conn.SetReadDeadline(time.Now())
	<-ackErr
	return sendErr
}

// stream pushes rows starting at from. If until is non-nil, it returns
// once the stream has delivered every row up to (and including) until;
// otherwise it runs until ctx is cancelled or an error occurs.
func (s *Session) stream(ctx context.Context, from *vclock.VClock, until *vclock.VClock) error {
	seen := from.Copy()
outer:
	for {
		if until != nil && vclock.LessOrEqual(until, seen) {
			return nil
		}

		cur, err := s.wal.Ring.OpenCursor(seen)
		if errors.Is(err, ring.ErrTooOld) {
			if err := s.streamFromFile(ctx, seen, until); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		for {
			if until != nil && vclock.LessOrEqual(until, seen) {
				return nil
			}
			row, err := cur.Next(ctx, s.ringWaitTimeout)
			switch {
			case err == nil:
				_ = seen.Follow(row.InstanceID, row.LSN)
				if err := s.sendRow(row); err != nil {
					return err
				}
			case errors.Is(err, ring.ErrTimeout):
				if err := s.sendHeartbeat(); err != nil {
					return err
				}
			case errors.Is(err, ring.ErrEvicted):
				// The ring trimmed past this cursor; catch up via the
				// file reader, then re-open a fresh ring cursor rather
				// than reusing this one (it would keep reporting
				// ErrEvicted against its now-stale position).
				if err := s.streamFromFile(ctx, seen, until); err != nil {
					return err
				}
				continue outer
			case errors.Is(err, ring.ErrClosed):
				return nil
			default:
				return err
			}
		}
	}
}

// streamFromFile reads rows from segment files on disk starting at seen,
// advancing seen in place as it goes, stopping once it catches up to the
// ring's tail (io.EOF from the file reader) or reaches until.
func (s *Session) streamFromFile(ctx context.Context, seen *vclock.VClock, until *vclock.VClock) error {
	fr, err := wal.OpenFileReader(s.wal.Directory(), seen)
	if err != nil {
		return fmt.Errorf("relay: open file reader: %w", err)
	}
	defer fr.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := fr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay: read segment file: %w", err)
		}
		_ = seen.Follow(row.InstanceID, row.LSN)
		if err := s.sendRow(row); err != nil {
			return err
		}
		if until != nil && vclock.LessOrEqual(until, seen) {
			return nil
		}
	}
}

// sendRow applies the §4.9 row-transformation rules before a row goes out
// on the wire:
//
//   - group_id=local with a replica_id still advanced that replica's LSN,
//     so a follower must see *something* at that position to stay in
//     lockstep with its own clock; it is rewritten to an empty NOP rather
//     than dropped.
//   - group_id=local with no replica_id (a legacy anonymous-local row —
//     unreachable through the normal write path, which always stamps a
//     nonzero replica_id, but still a valid direct construction) is
//     dropped outright: there is no LSN position a follower needs to see.
//   - a row whose replica_id equals this session's own replica is the
//     replica's own earlier write coming back around; it is dropped
//     unless its LSN is at or below local_vclock_at_subscribe, the
//     recovery-after-power-loss exception for a replica re-requesting
//     rows it crashed before acking.
func (s *Session) sendRow(row *core.RowHeader) error {
	out := *row
	switch {
	case out.GroupID == core.GroupLocal:
		if out.ReplicaID == 0 {
			return nil
		}
		if s.replicaID != 0 && out.ReplicaID == s.replicaID && out.LSN > s.localVClockAtSubscribe.Get(out.ReplicaID) {
			return nil
		}
		out.Type = core.RowTypeNop
		out.GroupID = core.GroupDefault
		out.Body = nil
	case s.replicaID != 0 && out.ReplicaID == s.replicaID:
		if out.LSN > s.localVClockAtSubscribe.Get(out.ReplicaID) {
			return nil
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeRowFrame(s.conn, []core.RowHeader{out}, s.compression)
}

func (s *Session) sendHeartbeat() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(s.conn, msgHeartbeat, nil)
}

// readAcks drains ack frames from the connection for the lifetime of the
// session, publishing each one so GC can eventually reclaim rows this
// replica no longer needs (§4.1, §4.7).
func (s *Session) readAcks(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		typ, payload, err := readFrame(s.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch typ {
		case msgAck:
			v, err := readVClockPayload(payload)
			if err != nil {
				s.logger.Error("relay: malformed ack", "error", err, "replica", s.replicaID)
				continue
			}
			s.publishAck(ctx, v)
		case msgHeartbeat:
			// Peer keepalive; nothing to do.
		default:
			s.logger.Warn("relay: unexpected message from replica", "type", typ, "replica", s.replicaID)
		}
	}
}

// publishAck forwards the replica's new acked VClock to the wal thread
// rather than writing shared state directly from the relay fiber (§4.8
// point 3), when the session has been wired onto a bus; a session used
// without SetBus (tests) falls back to the direct update it always had.
func (s *Session) publishAck(ctx context.Context, v *vclock.VClock) {
	if s.bus == nil {
		s.wal.MClock.Update(s.replicaID, v)
		return
	}
	pipe := s.bus.Pair(s.busEndpoint, "wal")
	msg := &cbus.Message{
		Route:   []cbus.Hop{{Handler: "ack"}},
		Payload: &wal.AckUpdate{ReplicaID: s.replicaID, VClock: v},
	}
	if err := pipe.Push(msg); err != nil {
		s.logger.Error("relay: failed to publish ack via bus", "error", err, "replica", s.replicaID)
		s.wal.MClock.Update(s.replicaID, v)
	}
}

// Close releases the session's connection, drops it from the matrix
// clock so a disconnected replica no longer pins GC, wakes GC to
// reconsider its frontier immediately (§4.7), and unpairs its bus
// endpoint if one was set.
func (s *Session) Close() error {
	s.wal.MClock.Remove(s.replicaID)
	s.wal.WakeGC()
	if s.bus != nil {
		s.bus.RemoveEndpoint(s.busEndpoint)
	}
	return s.conn.Close()
}
