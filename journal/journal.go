// Package journal holds the in-memory transaction representation handed
// from the TX side to the WAL writer, and the batching envelope the WAL
// thread accumulates them into.
package journal

import (
	"github.com/nexuswal/walrelay/core"
)

// Entry is a transaction-sized unit of durable work: an ordered list of
// rows with a commit marker on the last row. ApproxLen is a cheap
// size estimate (sum of encoded row lengths) used for fallocate sizing and
// segment-rotation accounting, not an exact count.
type Entry struct {
	Rows      []core.RowHeader
	ApproxLen int64

	// done receives the final result exactly once: a positive signature on
	// success, or -1 on rollback. The channel is buffered to 1 so the WAL
	// thread never blocks handing back a result.
	done chan int64
}

// NewEntry wraps rows into a fresh Entry ready to be hand off to Write.
func NewEntry(rows []core.RowHeader, approxLen int64) *Entry {
	return &Entry{
		Rows:      rows,
		ApproxLen: approxLen,
		done:      make(chan int64, 1),
	}
}

// Wait blocks the calling TX fiber until the WAL thread has completed this
// entry, returning the result it was completed with.
func (e *Entry) Wait() int64 {
	return <-e.done
}

// Complete fires the entry's completion hook; it must be called exactly
// once. A second call is not detected: it blocks until the first result
// has been taken by Wait.
func (e *Entry) Complete(result int64) {
	e.done <- result
}

// LastRow returns a pointer to the entry's final row, which carries the
// is_commit marker, or nil for an entry with no rows.
func (e *Entry) LastRow() *core.RowHeader {
	if len(e.Rows) == 0 {
		return nil
	}
	return &e.Rows[len(e.Rows)-1]
}

// Batch is the single in-flight message the WAL pipe carries: a group of
// entries accumulated by the TX write entry point before being pushed to
// the WAL thread, plus whatever entries get diverted into rollback while
// the batch is in flight.
type Batch struct {
	Entries      []*Entry
	ApproxLen    int64
	RollbackList []*Entry

	// open is true while TX is still allowed to append to this batch; the
	// WAL side flips it false the moment the batch crosses the pipe.
	open bool
}

// NewBatch seeds a fresh, still-open batch with one entry.
func NewBatch(first *Entry) *Batch {
	return &Batch{
		Entries:   []*Entry{first},
		ApproxLen: first.ApproxLen,
		open:      true,
	}
}

// IsOpen reports whether TX may still append to this batch.
func (b *Batch) IsOpen() bool { return b.open }

// Close marks the batch as no longer appendable; called by the WAL side the
// moment it takes ownership of the batch off the pipe.
func (b *Batch) Close() { b.open = false }

// Append adds another entry to a still-open batch. Callers must hold
// whatever lock guards pipe-head access; this mirrors the WAL write entry
// point's "append to open batch" fast path in §4.2.
func (b *Batch) Append(e *Entry) {
	b.Entries = append(b.Entries, e)
	b.ApproxLen += e.ApproxLen
}

// Rollback moves every entry still outstanding in this batch (the ones
// passed in, in FIFO order) onto the batch's rollback list. Completion of
// the rollback list itself (reverse order, res=-1) is the rollback state
// machine's job (§4.5), not the batch's.
func (b *Batch) Rollback(pending []*Entry) {
	b.RollbackList = append(b.RollbackList, pending...)
}
