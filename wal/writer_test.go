package wal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/journal"
	"github.com/nexuswal/walrelay/vclock"
)

func testOptions(t *testing.T) Options {
	return Options{
		Dir:            t.TempDir(),
		InstanceID:     1,
		SyncPolicy:     SyncWrite,
		Compression:    core.CompressionNone,
		MaxSegmentSize: 4096,
		RingCapacity:   256,
	}
}

func mustOpen(t *testing.T, opts Options) *Writer {
	w, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func rowEntry(instance uint32, body string) *journal.Entry {
	row := core.RowHeader{InstanceID: instance, IsCommit: true, Body: []byte(body)}
	return journal.NewEntry([]core.RowHeader{row}, int64(len(body)+64))
}

func TestSubmitAssignsLSNsAndCompletes(t *testing.T) {
	w := mustOpen(t, testOptions(t))

	e1 := rowEntry(1, "alpha")
	e2 := rowEntry(1, "beta")
	b := journal.NewBatch(e1)
	b.Append(e2)

	require.NoError(t, w.Submit(context.Background(), b))
	require.EqualValues(t, 1, e1.Wait())
	require.EqualValues(t, 2, e2.Wait())

	got := w.VClock().Get(1)
	require.EqualValues(t, 2, got)
}

func TestSubmitAfterCloseFailsFast(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	require.NoError(t, w.Close())

	e := rowEntry(1, "x")
	b := journal.NewBatch(e)
	err := w.Submit(context.Background(), b)
	require.ErrorIs(t, err, core.ErrWALClosed)
	require.EqualValues(t, -1, e.Wait())
}

func TestRotateStartsFreshSegment(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	_, firstLSN, ok := w.Directory().Newest()
	require.True(t, ok)

	e := rowEntry(1, "row")
	b := journal.NewBatch(e)
	require.NoError(t, w.Submit(context.Background(), b))

	require.NoError(t, w.Rotate())
	_, secondLSN, ok := w.Directory().Newest()
	require.True(t, ok)
	require.Greater(t, secondLSN, firstLSN)
}

func TestSubmitAppliesForeignRowsWithoutReassigningLSN(t *testing.T) {
	w := mustOpen(t, testOptions(t))

	foreignRow := core.RowHeader{InstanceID: 2, ReplicaID: 2, LSN: 5, IsCommit: true, Body: []byte("foreign")}
	e := journal.NewEntry([]core.RowHeader{foreignRow}, 64)
	require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e)))
	require.NotEqual(t, int64(-1), e.Wait())
	require.EqualValues(t, 5, w.VClock().Get(2))
	require.Zero(t, w.VClock().Get(1))

	// A second foreign row at or below the same replica's current LSN must
	// be rejected rather than silently reassigned (§4.3).
	stale := core.RowHeader{InstanceID: 2, ReplicaID: 2, LSN: 5, IsCommit: true, Body: []byte("stale")}
	e2 := journal.NewEntry([]core.RowHeader{stale}, 64)
	err := w.Submit(context.Background(), journal.NewBatch(e2))
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindLSNViolation))
	require.EqualValues(t, -1, e2.Wait())
}

func TestBeginCommitCheckpointSubtractsCapturedWALSize(t *testing.T) {
	w := mustOpen(t, testOptions(t))

	e1 := rowEntry(1, "one")
	require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e1)))

	require.NoError(t, w.BeginCheckpoint())

	// A write landing between Begin and Commit must not be forgotten by a
	// zeroing reset; it should still count toward the next checkpoint.
	e2 := rowEntry(1, "two")
	require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e2)))
	sizeBeforeCommit := w.bytesSinceCheckpoint

	require.NoError(t, w.CommitCheckpoint())
	require.Greater(t, sizeBeforeCommit, int64(0))
	require.Greater(t, w.bytesSinceCheckpoint, int64(0))
	// CommitCheckpoint persists the VClock BeginCheckpoint captured — before
	// e2 landed — not the writer's current clock.
	require.EqualValues(t, 1, w.lastCheckpoint.Get(1))
}

func TestBeginCheckpointRefusedDuringRollback(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	w.inRollback.Store(true)
	err := w.BeginCheckpoint()
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindRollback))
}

func TestReclaimOldestForENOSPCDeletesOnlySegmentsBelowCheckpoint(t *testing.T) {
	w := mustOpen(t, testOptions(t))

	for i := 0; i < 3; i++ {
		e := rowEntry(1, "row")
		require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e)))
		require.NoError(t, w.Rotate())
	}
	require.NoError(t, w.Checkpoint())

	w.mu.Lock()
	reclaimed := w.reclaimOldestForENOSPCLocked()
	w.mu.Unlock()
	require.True(t, reclaimed)
	require.NotNil(t, w.gcFirstVClock)
	require.NotNil(t, w.gcWALVClock)
}

func TestRecoveryRebuildsVClockAndRing(t *testing.T) {
	opts := testOptions(t)
	w := mustOpen(t, opts)

	e1 := rowEntry(1, "one")
	e2 := rowEntry(1, "two")
	require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e1)))
	require.NoError(t, w.Submit(context.Background(), journal.NewBatch(e2)))
	require.NoError(t, w.Close())

	w2, err := Open(context.Background(), opts)
	require.NoError(t, err)
	defer w2.Close()

	require.EqualValues(t, 2, w2.VClock().Get(1))

	cur, err := w2.Ring.OpenCursor(vclock.New())
	require.NoError(t, err)
	row, err := cur.Next(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "one", string(row.Body))
}
