package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

func row(instance uint32, lsn uint64) core.RowHeader {
	return core.RowHeader{InstanceID: instance, LSN: lsn, Type: core.RowTypeInsert}
}

func TestCursorServesNewRowsInOrder(t *testing.T) {
	r := New(10)
	r.Append([]core.RowHeader{row(1, 1), row(1, 2), row(1, 3)})

	cur, err := r.OpenCursor(vclock.New())
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		got, err := cur.Next(context.Background(), time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, i, got.LSN)
	}
}

func TestOpenCursorTooOldFallsBackToFile(t *testing.T) {
	r := New(2)
	r.Append([]core.RowHeader{row(1, 1), row(1, 2), row(1, 3)})

	_, err := r.OpenCursor(vclock.New())
	assert.ErrorIs(t, err, ErrTooOld)
}

func TestNextTimesOutWithoutNewRows(t *testing.T) {
	r := New(10)
	cur, err := r.OpenCursor(vclock.New())
	require.NoError(t, err)

	_, err = cur.Next(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestNextWakesOnAppend(t *testing.T) {
	r := New(10)
	cur, err := r.OpenCursor(vclock.New())
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Append([]core.RowHeader{row(1, 1)})
	}()

	got, err := cur.Next(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.LSN)
}

func TestCursorFiltersAlreadySeenRows(t *testing.T) {
	r := New(10)
	seen := vclock.New()
	seen.Set(1, 2)
	r.Append([]core.RowHeader{row(1, 1), row(1, 2), row(1, 3)})

	cur, err := r.OpenCursor(seen)
	require.NoError(t, err)

	got, err := cur.Next(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.LSN, "rows already covered by the starting vclock must be skipped")
}
