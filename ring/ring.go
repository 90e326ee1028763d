// Package ring implements the bounded in-memory buffer of recently
// committed rows (the "xrow memory ring") that relays tail on the hot
// path, avoiding a disk read for any consumer that isn't too far behind.
package ring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

// ErrTooOld is returned by OpenCursor when the requested VClock is older
// than anything the ring still retains: the caller must fall back to
// reading segment files from disk (§3, §4.9).
var ErrTooOld = errors.New("ring: requested vclock predates retained window")

// ErrEvicted is returned by Cursor.Next when the ring has trimmed past a
// row the cursor had not yet consumed. This can only happen if a consumer
// falls far enough behind between calls; it is the mid-stream version of
// ErrTooOld and carries the same "go read the file" meaning.
var ErrEvicted = errors.New("ring: cursor fell behind retained window")

// ErrTimeout is returned by Cursor.Next when no new row arrived within the
// requested wait interval. Callers use this as their cue to send a
// heartbeat (§4.9).
var ErrTimeout = errors.New("ring: wait timed out")

// ErrClosed is returned once the ring has been torn down (WAL thread
// exiting).
var ErrClosed = errors.New("ring: closed")

type entry struct {
	seq uint64
	row core.RowHeader
}

// Ring is a trimmed append-only log of recently committed rows. Retention
// is capacity-bounded rather than time-bounded; the spec leaves the exact
// bound as an implementation choice (§9 Open Questions), so it is exposed
// as configuration here.
type Ring struct {
	mu       sync.Mutex
	cap      int
	buf      []entry
	baseSeq  uint64 // seq of buf[0], meaningless when buf is empty
	nextSeq  uint64
	oldest   *vclock.VClock // fully covered by every row evicted so far
	signal   chan struct{}
	closed   bool
}

// New creates a ring retaining at most capacity rows. capacity must be
// large enough to span at least one in-flight batch (§3 invariant); the
// writer takes it from the configured row count (wal.ring_capacity_rows).
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		cap:    capacity,
		oldest: vclock.New(),
		signal: make(chan struct{}),
	}
}

// Append adds rows (in FIFO order, from a single successful flush) to the
// ring and wakes any waiting cursors. Eviction happens here, trimming the
// buffer back down to capacity and advancing the "oldest covered" clock by
// exactly the rows pushed out.
func (r *Ring) Append(rows []core.RowHeader) {
	if len(rows) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, row := range rows {
		r.buf = append(r.buf, entry{seq: r.nextSeq, row: row})
		r.nextSeq++
	}
	if len(r.buf) > 0 {
		r.baseSeq = r.buf[0].seq
	}
	overflow := len(r.buf) - r.cap
	if overflow > 0 {
		for _, e := range r.buf[:overflow] {
			// Follow is guaranteed to succeed: rows within a single
			// instance only ever arrive with strictly increasing LSNs.
			_ = r.oldest.Follow(e.row.InstanceID, e.row.LSN)
		}
		r.buf = append([]entry{}, r.buf[overflow:]...)
		if len(r.buf) > 0 {
			r.baseSeq = r.buf[0].seq
		} else {
			r.baseSeq = r.nextSeq
		}
	}
	r.wakeLocked()
}

// Close tears the ring down; cursors blocked in Next return ErrClosed.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.wakeLocked()
}

func (r *Ring) wakeLocked() {
	close(r.signal)
	r.signal = make(chan struct{})
}

// Cursor tails the ring from a starting VClock, filtering out anything the
// consumer has already seen.
type Cursor struct {
	ring     *Ring
	afterSeq uint64
	seen     *vclock.VClock
}

// OpenCursor returns a cursor positioned just after VClock from. It fails
// with ErrTooOld if from predates the ring's retained window, signaling the
// caller to fall back to file-based catch-up.
func (r *Ring) OpenCursor(from *vclock.VClock) (*Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !vclock.LessOrEqual(r.oldest, from) {
		return nil, ErrTooOld
	}
	return &Cursor{ring: r, afterSeq: r.baseSeq, seen: from.Copy()}, nil
}

// Next returns the next row the cursor has not yet seen, waiting up to
// timeout for one to arrive. It returns ErrTimeout (caller should heartbeat
// and retry), ErrEvicted (caller must fall back to file), ErrClosed, or the
// ctx error on cancellation.
func (c *Cursor) Next(ctx context.Context, timeout time.Duration) (*core.RowHeader, error) {
	for {
		c.ring.mu.Lock()
		if c.ring.closed {
			c.ring.mu.Unlock()
			return nil, ErrClosed
		}
		if c.afterSeq < c.ring.baseSeq {
			c.ring.mu.Unlock()
			return nil, ErrEvicted
		}
		idx := int(c.afterSeq - c.ring.baseSeq)
		if len(c.ring.buf) == 0 {
			idx = 0
		}
		var found *core.RowHeader
		for idx < len(c.ring.buf) {
			e := c.ring.buf[idx]
			c.afterSeq = e.seq + 1
			idx++
			if e.row.LSN <= c.seen.Get(e.row.InstanceID) {
				continue
			}
			_ = c.seen.Follow(e.row.InstanceID, e.row.LSN)
			row := e.row
			found = &row
			break
		}
		if found != nil {
			c.ring.mu.Unlock()
			return found, nil
		}
		sig := c.ring.signal
		c.ring.mu.Unlock()

		select {
		case <-sig:
			continue
		case <-time.After(timeout):
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
