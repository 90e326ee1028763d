package wal

import (
	"github.com/nexuswal/walrelay/journal"
)

// rollbackLocked drives the §4.5 state machine: NORMAL -> IN_ROLLBACK ->
// NORMAL. It completes every entry in b with the failure, in reverse
// order: a batch's entries committed together must also fail together,
// and a TX fiber waiting on an earlier entry must not observe success
// while a later entry in the same batch is failing. Since the writer
// builds and flushes a batch's row-group as a single atomic unit, no
// entry in a failed batch was ever made visible — there is no on-disk
// state to undo, only waiters to release. Callers must hold w.mu.
//
// inRollback is an atomic so a TX-side caller can check it through
// InRollback without taking w.mu (Write in frontdoor.go does not check
// it); rollbackQueue holds the batch's outstanding entries for
// the duration of the transition. In this single-mutex mapping the queue
// drains synchronously within the same call that fills it, but the field
// exists so rollback state is inspectable mid-transition the way the
// spec's standalone state machine is.
func (w *Writer) rollbackLocked(b *journal.Batch, cause error) {
	w.inRollback.Store(true)
	defer w.inRollback.Store(false)

	b.Close()
	pending := append([]*journal.Entry{}, b.Entries...)
	b.Rollback(pending)
	w.rollbackQueue = b.RollbackList

	for i := len(w.rollbackQueue) - 1; i >= 0; i-- {
		w.rollbackQueue[i].Complete(-1)
	}
	w.rollbackQueue = nil

	if cause != nil {
		w.logger.Error("wal batch rolled back", "error", cause, "entries", len(pending))
	}
}

// InRollback reports whether the writer is currently unwinding a failed
// batch, for a TX-side caller that wants to fail fast instead of queuing
// more work during the transition.
func (w *Writer) InRollback() bool {
	return w.inRollback.Load()
}
