package wal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/cbus"
	"github.com/nexuswal/walrelay/vclock"
)

// These exercise the writer wired onto a real cbus.Bus rather than calling
// Submit/Rotate/Checkpoint directly, so the "write"/"rotate"/"checkpoint"/
// "ack" handlers AttachBus registers actually have a caller (§4.1, §9).

func TestAttachBusWriteFrontDoorAssignsLSN(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	bus := cbus.New()
	w.AttachBus(bus)

	entry := rowEntry(1, "via-bus")
	lsn, err := Write(context.Background(), bus, "tx", entry)
	require.NoError(t, err)
	require.EqualValues(t, 1, lsn)
	require.EqualValues(t, 1, w.VClock().Get(1))
}

func TestAttachBusCoalescesConcurrentWrites(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	bus := cbus.New()
	w.AttachBus(bus)

	const n = 8
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() {
			entry := rowEntry(1, "concurrent")
			lsn, err := Write(context.Background(), bus, "tx", entry)
			require.NoError(t, err)
			results <- lsn
		}()
	}

	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		lsn := <-results
		require.False(t, seen[lsn], "duplicate lsn %d", lsn)
		seen[lsn] = true
	}
	require.EqualValues(t, n, w.VClock().Get(1))
}

func TestAttachBusRotateAndCheckpointHandlers(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	bus := cbus.New()
	w.AttachBus(bus)

	entry := rowEntry(1, "before-checkpoint")
	_, err := Write(context.Background(), bus, "tx", entry)
	require.NoError(t, err)

	_, firstLSN, ok := w.Directory().Newest()
	require.True(t, ok)

	rotatePipe := bus.Pair("operator", "wal")
	_, err = rotatePipe.Call(context.Background(), &cbus.Message{Route: []cbus.Hop{{Handler: "rotate"}}})
	require.NoError(t, err)
	_, secondLSN, ok := w.Directory().Newest()
	require.True(t, ok)
	require.Greater(t, secondLSN, firstLSN)

	checkpointPipe := bus.Pair("operator", "wal")
	_, err = checkpointPipe.Call(context.Background(), &cbus.Message{Route: []cbus.Hop{{Handler: "checkpoint"}}})
	require.NoError(t, err)
	require.EqualValues(t, 1, w.lastCheckpoint.Get(1))
}

func TestAttachBusAckHandlerUpdatesMClock(t *testing.T) {
	w := mustOpen(t, testOptions(t))
	bus := cbus.New()
	w.AttachBus(bus)

	v := vclock.New()
	v.Set(1, 5)
	pipe := bus.Pair("relay/1", "wal")
	_, err := pipe.Call(context.Background(), &cbus.Message{
		Route:   []cbus.Hop{{Handler: "ack"}},
		Payload: &AckUpdate{ReplicaID: 1, VClock: v},
	})
	require.NoError(t, err)
	require.NotNil(t, w.MClock.Min())
	require.EqualValues(t, 5, w.MClock.Min().Get(1))
}
