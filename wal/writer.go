// Package wal implements the durable write-ahead log: segment files on
// disk (segment.go, directory.go), the row/header codec (codec.go), and the
// Writer that batches, assigns LSNs to, flushes, and rotates around them
// (this file), plus the rollback state machine (rollback.go) and the
// garbage-collection fiber (gc.go).
package wal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuswal/walrelay/cbus"
	"github.com/nexuswal/walrelay/checkpoint"
	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/journal"
	"github.com/nexuswal/walrelay/mclock"
	"github.com/nexuswal/walrelay/ring"
	"github.com/nexuswal/walrelay/vclock"
	"github.com/nexuswal/walrelay/watch"
)

// Options configures a Writer. It is the in-process analogue of the
// persisted configuration surface in §6.
type Options struct {
	Dir            string
	InstanceID     uint32
	InstanceUUID   [16]byte
	ReplicasetUUID [16]byte

	SyncPolicy      SyncPolicy
	Compression     core.CompressionType
	MaxSegmentSize  int64
	RingCapacity    int
	CheckpointEvery int64 // bytes written since the last checkpoint that trigger one

	Logger *slog.Logger
}

const defaultMaxSegmentSize int64 = 64 << 20

// Writer is the WAL thread: the single owner of the active segment, the
// node's own VClock, and the memory ring every relay tails from. All
// mutation flows through Submit, keeping the append path single-threaded
// per §4.1 even though callers may call it from many goroutines
// concurrently (cbus serializes delivery onto the "wal" endpoint).
type Writer struct {
	mu sync.Mutex

	dir  string
	opts Options

	active *segment
	index  *Directory

	clock  *vclock.VClock
	MClock *mclock.MClock
	Ring   *ring.Ring
	Watch  *watch.Registry

	bytesSinceCheckpoint int64
	lastCheckpoint       *vclock.VClock
	pending              *pendingCheckpoint

	// gcFirstVClock is the TX-set floor below which GC may not be asked to
	// stop advancing (set_gc_first_vclock, §6); the ENOSPC path is also
	// allowed to raise it past what consumers have acked. gcWALVClock is
	// the starting VClock of the oldest segment still retained — the
	// "second" starting VClock §4.7 refreshes after every reclaim.
	gcFirstVClock *vclock.VClock
	gcWALVClock   *vclock.VClock
	gcWake        chan struct{}

	// rollbackQueue and inRollback implement the §4.5 state machine.
	// inRollback is readable through InRollback without taking w.mu; the
	// TX-side front door (Write) does not consult it.
	rollbackQueue []*journal.Entry
	inRollback    atomic.Bool

	// OnGarbageCollection is called with the new oldest retained VClock
	// whenever GC (ordinary or ENOSPC-driven) reclaims segments, mirroring
	// the journal API's on_garbage_collection callback to the transaction
	// engine (§6).
	OnGarbageCollection func(*vclock.VClock)

	closed bool
	logger *slog.Logger

	Bus      *cbus.Bus
	endpoint *cbus.Endpoint
}

// pendingCheckpoint is the state BeginCheckpoint captures and CommitCheckpoint
// consumes, splitting the §4.2 checkpoint interlock across two calls so the
// (potentially slow) fsync+rename in CommitCheckpoint need not hold w.mu for
// its entire duration.
type pendingCheckpoint struct {
	vclock  *vclock.VClock
	walSize int64
}

// Open opens (creating if necessary) the WAL directory, replays whatever
// tail of log the last checkpoint didn't cover to rebuild the in-memory
// VClock and ring, and returns a Writer ready to accept batches.
func Open(ctx context.Context, opts Options) (*Writer, error) {
	// opts.MaxSegmentSize == 0 is a caller's explicit choice, not "unset":
	// §8 defines it as "every commit rotates". The 64MB default lives in
	// config.defaults(), applied before Options is ever constructed, so
	// Open must not second-guess a zero it receives here.
	if opts.RingCapacity == 0 {
		opts.RingCapacity = 16384
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "wal")

	index, err := OpenDirectory(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		dir:    opts.Dir,
		opts:   opts,
		index:  index,
		clock:  vclock.New(),
		MClock: mclock.New(),
		Ring:   ring.New(opts.RingCapacity),
		Watch:  watch.New(),
		gcWake: make(chan struct{}, 1),
		logger: logger,
	}

	cp, found, err := checkpoint.Read(opts.Dir)
	if err != nil {
		return nil, err
	}
	if found {
		w.clock = cp.VClock.Copy()
		w.lastCheckpoint = cp.VClock.Copy()
	}

	if err := w.recover(ctx); err != nil {
		return nil, err
	}

	if path, firstLSN, startVClock, ok := index.NewestMeta(); ok {
		seg, err := openSegmentForAppend(path, firstLSN, startVClock)
		if err != nil {
			return nil, err
		}
		w.active = seg
	} else {
		if err := w.rotateLocked(); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// recover replays every row in every segment whose rows are not yet
// reflected in w.clock, advancing both the VClock and the memory ring so a
// relay connecting immediately after recovery sees the same hot window a
// long-running node would.
func (w *Writer) recover(ctx context.Context) error {
	path, ok := w.index.FindContaining(w.clock)
	if !ok {
		// Nothing retained at all, or every retained segment starts after
		// our checkpoint: there is nothing on disk to replay.
		return nil
	}
	fr, err := openFileReaderAt(w.index, path, w.clock)
	if err != nil {
		return err
	}
	defer fr.Close()

	var batch []core.RowHeader
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := fr.Next()
		if err != nil {
			break
		}
		if err := w.clock.Follow(row.InstanceID, row.LSN); err != nil {
			// A recovered row that does not advance the clock indicates a
			// segment holding rows already covered by the checkpoint;
			// harmless, just skip it.
			continue
		}
		batch = append(batch, *row)
		if row.IsCommit {
			w.Ring.Append(batch)
			batch = batch[:0]
		}
	}
	return nil
}

// Submit is the single entry point the TX side calls (via the "wal" cbus
// endpoint's write/write_batch handlers) to make a batch durable. It assigns
// LSNs, writes and flushes the batch as a single row-group frame, and
// completes every entry — either with its signature (the sum of the
// writer's VClock components once that entry's rows are counted) or, if any
// part of the write failed, by rolling the whole batch back (§4.3, §4.5).
func (w *Writer) Submit(ctx context.Context, b *journal.Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.rollbackLocked(b, core.ErrWALClosed)
		return core.ErrWALClosed
	}
	b.Close()

	diff := vclock.New()
	var rows []core.RowHeader
	results := make([]int64, len(b.Entries))
	for i, e := range b.Entries {
		// §4.3: replica_id == 0 means "not yet assigned" — a locally
		// originated row. replica_id != 0 means a foreign row already
		// stamped by the instance that produced it, being applied here.
		if len(e.Rows) > 0 && e.Rows[0].ReplicaID != 0 && e.Rows[0].ReplicaID != w.opts.InstanceID {
			if err := w.followForeignRowsLocked(e.Rows, diff); err != nil {
				w.rollbackLocked(b, err)
				return err
			}
			rows = append(rows, e.Rows...)
			results[i] = int64(w.clock.Sum() + diff.Sum())
			continue
		}
		tsn := w.clock.Get(w.opts.InstanceID) + diff.Get(w.opts.InstanceID) + 1
		for i := range e.Rows {
			lsn := w.clock.Get(w.opts.InstanceID) + diff.Inc(w.opts.InstanceID)
			e.Rows[i].InstanceID = w.opts.InstanceID
			e.Rows[i].ReplicaID = w.opts.InstanceID
			e.Rows[i].LSN = lsn
			e.Rows[i].TSN = tsn
		}
		rows = append(rows, e.Rows...)
		results[i] = int64(w.clock.Sum() + diff.Sum())
	}

	if err := w.preallocateWithENOSPCRecoveryLocked(b.ApproxLen); err != nil {
		w.rollbackLocked(b, err)
		return err
	}
	if _, err := w.active.appendRowGroup(rows, w.opts.Compression); err != nil {
		w.rollbackLocked(b, err)
		return err
	}
	if err := w.active.flush(w.opts.SyncPolicy); err != nil {
		w.rollbackLocked(b, err)
		return err
	}

	vclock.Merge(w.clock, diff)
	w.Ring.Append(rows)
	w.bytesSinceCheckpoint += b.ApproxLen
	w.Watch.Raise(ctx, watch.EventWrite)

	for i, e := range b.Entries {
		e.Complete(results[i])
	}

	if w.active.size >= w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.logger.Error("segment rotation failed after write", "error", err)
		}
	}
	if w.opts.CheckpointEvery > 0 && w.bytesSinceCheckpoint >= w.opts.CheckpointEvery {
		if err := w.checkpointLocked(); err != nil {
			w.logger.Error("automatic checkpoint failed", "error", err)
		}
	}
	return nil
}

// followForeignRowsLocked validates and accumulates the diff for a batch
// entry applied from another instance (§4.3): "diff.follow(row.replica_id,
// row.lsn - writer.vclock[row.replica_id])", failing the whole entry if any
// row does not strictly advance that replica's clock. The delta is always
// computed against the writer's clock as it stood before this batch, not
// against the accumulating diff, so two rows in the same batch validate
// against strictly increasing deltas exactly as vclock.Follow requires.
func (w *Writer) followForeignRowsLocked(rows []core.RowHeader, diff *vclock.VClock) error {
	for i := range rows {
		row := &rows[i]
		cur := w.clock.Get(row.ReplicaID)
		if row.LSN <= cur {
			return core.NewError(core.KindLSNViolation, fmt.Sprintf("foreign row lsn %d does not advance replica %d past %d", row.LSN, row.ReplicaID, cur), nil)
		}
		if err := diff.Follow(row.ReplicaID, row.LSN-cur); err != nil {
			return core.NewError(core.KindLSNViolation, "foreign row does not advance replica clock", err)
		}
	}
	return nil
}

// preallocateWithENOSPCRecoveryLocked wraps the active segment's
// preallocate with the §4.4 retry loop: on ENOSPC, reclaim exactly one
// oldest segment and retry, until either preallocate succeeds or there is
// nothing left safe to reclaim.
func (w *Writer) preallocateWithENOSPCRecoveryLocked(size int64) error {
	for {
		err := w.active.preallocate(size)
		if err == nil {
			return nil
		}
		if !core.IsKind(err, core.KindENOSPC) {
			return err
		}
		if !w.reclaimOldestForENOSPCLocked() {
			return err
		}
	}
}

// reclaimOldestForENOSPCLocked deletes the oldest segment whose starting
// VClock is strictly below the last checkpoint and raises
// gc_first_vclock/gc_wal_vclock to match, per §4.4: delete exactly one
// oldest segment (never the active segment), raise gc_first_vclock, retry.
// It reports whether a segment was actually reclaimed.
func (w *Writer) reclaimOldestForENOSPCLocked() bool {
	if w.lastCheckpoint == nil {
		return false
	}
	_, newOldest, ok, err := w.index.DeleteOldestBelow(w.lastCheckpoint)
	if err != nil {
		w.logger.Error("enospc reclaim failed", "error", err)
		return false
	}
	if !ok {
		return false
	}
	if w.gcFirstVClock == nil || vclock.LessOrEqual(w.gcFirstVClock, newOldest) {
		w.gcFirstVClock = newOldest.Copy()
	}
	w.gcWALVClock = newOldest
	w.logger.Warn("reclaimed oldest wal segment to recover from enospc", "new_oldest", newOldest.String())
	cb := w.OnGarbageCollection
	if cb != nil {
		cb(newOldest.Copy())
	}
	return true
}

// WakeGC nudges the garbage-collection fiber to re-evaluate its frontier
// outside its normal ticker interval: an ack crossing gc_wal_vclock, a
// lowered gc_first_vclock, or a deleted replica (§4.7's wake sources).
func (w *Writer) WakeGC() {
	select {
	case w.gcWake <- struct{}{}:
	default:
	}
}

// SetGCFirstVClock installs the TX-side floor below which GC may not
// advance (set_gc_first_vclock, §6) and wakes the GC fiber to reconsider
// its frontier immediately.
func (w *Writer) SetGCFirstVClock(v *vclock.VClock) {
	w.mu.Lock()
	w.gcFirstVClock = v.Copy()
	w.mu.Unlock()
	w.WakeGC()
}

// GCFirstVClock returns the current TX-set GC floor, or an empty clock if
// none has been set.
func (w *Writer) GCFirstVClock() *vclock.VClock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gcFirstVClock.Copy()
}

// rotateLocked seals the active segment (if any) and opens a new one
// starting at the writer's current VClock. Callers must hold w.mu.
func (w *Writer) rotateLocked() error {
	if w.active != nil {
		if err := w.active.seal(); err != nil {
			return err
		}
		if err := w.active.close(); err != nil {
			return err
		}
	}
	firstLSN := w.clock.Get(w.opts.InstanceID) + 1
	seg, err := createSegment(w.dir, firstLSN, w.clock, w.opts.Compression, w.opts.InstanceUUID, w.opts.ReplicasetUUID)
	if err != nil {
		return err
	}
	w.active = seg
	w.index.Add(firstLSN, seg.path, w.clock)
	w.Watch.Raise(context.Background(), watch.EventRotate)
	return nil
}

// Rotate forces a rotation, used by the administrative "rotate" cbus
// message and by tests wanting a deterministic segment boundary.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// BeginCheckpoint starts the §4.2 two-phase checkpoint protocol
// (begin_checkpoint/commit_checkpoint, §6): it closes the active segment
// only if it has rows — so a checkpoint landing between writes never
// creates an empty trailing segment — snapshots the VClock and the bytes
// written since the last checkpoint, and refuses while a rollback is in
// flight rather than racing it.
func (w *Writer) BeginCheckpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.beginCheckpointLocked()
}

func (w *Writer) beginCheckpointLocked() error {
	if w.inRollback.Load() {
		return core.NewError(core.KindRollback, "checkpoint refused while a batch is rolling back", nil)
	}
	if w.pending != nil {
		return core.NewError(core.KindIO, "checkpoint already in progress", nil)
	}
	if w.active != nil && w.active.rowCount > 0 {
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}
	w.pending = &pendingCheckpoint{
		vclock:  w.clock.Copy(),
		walSize: w.bytesSinceCheckpoint,
	}
	return nil
}

// CommitCheckpoint persists the VClock BeginCheckpoint snapshotted. The
// fsync+rename in checkpoint.Write is the slow part of the protocol, so it
// deliberately runs without w.mu held; callers that need the full
// operation as one atomic-looking step should call Checkpoint instead.
//
// It subtracts (not zeroes) the wal_size BeginCheckpoint captured, since
// writes may have landed in the new active segment concurrently while the
// commit was in flight — zeroing would silently forget those bytes ever
// happened and push the next automatic checkpoint further out than it
// should be.
func (w *Writer) CommitCheckpoint() error {
	w.mu.Lock()
	pending := w.pending
	w.mu.Unlock()
	if pending == nil {
		return core.NewError(core.KindIO, "commit checkpoint called without a matching begin", nil)
	}

	writeErr := checkpoint.Write(w.dir, checkpoint.Checkpoint{VClock: pending.vclock, At: time.Now()})

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = nil
	if writeErr != nil {
		return writeErr
	}
	w.lastCheckpoint = pending.vclock
	w.bytesSinceCheckpoint -= pending.walSize
	if w.bytesSinceCheckpoint < 0 {
		w.bytesSinceCheckpoint = 0
	}
	return nil
}

// Checkpoint runs the full two-phase protocol synchronously, for callers
// that have no reason to split it across a suspend point: the "checkpoint"
// cbus handler and tests.
func (w *Writer) Checkpoint() error {
	if err := w.BeginCheckpoint(); err != nil {
		return err
	}
	return w.CommitCheckpoint()
}

// checkpointLocked is the lock-already-held variant Submit's automatic
// checkpoint trigger uses, since BeginCheckpoint/CommitCheckpoint each take
// w.mu themselves and Submit is already holding it.
func (w *Writer) checkpointLocked() error {
	if err := w.beginCheckpointLocked(); err != nil {
		return err
	}
	pending := w.pending
	writeErr := checkpoint.Write(w.dir, checkpoint.Checkpoint{VClock: pending.vclock, At: time.Now()})
	w.pending = nil
	if writeErr != nil {
		return writeErr
	}
	w.lastCheckpoint = pending.vclock
	w.bytesSinceCheckpoint -= pending.walSize
	if w.bytesSinceCheckpoint < 0 {
		w.bytesSinceCheckpoint = 0
	}
	return nil
}

// VClock returns a snapshot of the writer's current clock.
func (w *Writer) VClock() *vclock.VClock {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clock.Copy()
}

// Directory exposes the segment index for the relay's file-mode fallback.
func (w *Writer) Directory() *Directory { return w.index }

// Close seals the active segment and marks the writer closed; subsequent
// Submit calls fail fast with ErrWALClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.Ring.Close()
	if w.active != nil {
		if err := w.active.seal(); err != nil {
			return err
		}
		return w.active.close()
	}
	return nil
}

// AttachBus wires the writer onto a cbus endpoint named "wal", registering
// the handlers the TX side's write/rotate/checkpoint messages route
// through, per §9's fiber-to-goroutine mapping.
func (w *Writer) AttachBus(bus *cbus.Bus) {
	w.Bus = bus
	w.endpoint = bus.Endpoint("wal")
	w.endpoint.HandleFunc("write", func(ctx context.Context, msg *cbus.Message) {
		entry, ok := msg.Payload.(*journal.Entry)
		if !ok {
			msg.Fail(fmt.Errorf("wal: write payload is %T, want *journal.Entry", msg.Payload))
			return
		}
		b := journal.NewBatch(entry)

		// §4.2: "if the wal pipe's head message is still an open batch,
		// append the entry to it" — fold in whatever else TX has already
		// queued on this endpoint so one flush covers all of it. A drained
		// message that is not itself a write isn't ours to coalesce; hand
		// it back to our own inbox so the dispatch loop picks it up on its
		// next pass instead of losing it.
		self := w.Bus.Pair(w.endpoint.Name(), w.endpoint.Name())
		for _, extra := range w.endpoint.DrainReady() {
			if e, ok := extra.Payload.(*journal.Entry); ok {
				b.Append(e)
				continue
			}
			if err := self.Push(extra); err != nil {
				extra.Fail(err)
			}
		}

		if err := w.Submit(ctx, b); err != nil {
			msg.Fail(err)
		}
	})
	w.endpoint.HandleFunc("write_batch", func(ctx context.Context, msg *cbus.Message) {
		b, ok := msg.Payload.(*journal.Batch)
		if !ok {
			msg.Fail(fmt.Errorf("wal: write_batch payload is %T, want *journal.Batch", msg.Payload))
			return
		}
		if err := w.Submit(ctx, b); err != nil {
			msg.Fail(err)
		}
	})
	w.endpoint.HandleFunc("ack", func(ctx context.Context, msg *cbus.Message) {
		update, ok := msg.Payload.(*AckUpdate)
		if !ok {
			msg.Fail(fmt.Errorf("wal: ack payload is %T, want *AckUpdate", msg.Payload))
			return
		}
		w.MClock.Update(update.ReplicaID, update.VClock)
		w.WakeGC()
	})
	w.endpoint.HandleFunc("rotate", func(ctx context.Context, msg *cbus.Message) {
		if err := w.Rotate(); err != nil {
			msg.Fail(err)
		}
	})
	w.endpoint.HandleFunc("checkpoint", func(ctx context.Context, msg *cbus.Message) {
		if err := w.Checkpoint(); err != nil {
			msg.Fail(err)
		}
	})
	w.endpoint.Run(context.Background())
}
