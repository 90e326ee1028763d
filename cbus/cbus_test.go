package cbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushFIFOWithinPipe(t *testing.T) {
	bus := New()
	wal := bus.Endpoint("wal")

	var order []int
	done := make(chan struct{})
	wal.HandleFunc("record", func(ctx context.Context, msg *Message) {
		order = append(order, msg.Payload.(int))
		if len(order) == 3 {
			close(done)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wal.Run(ctx)

	tx := bus.Pair("tx", "wal")
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.Push(&Message{Route: []Hop{{Handler: "record"}}, Payload: i}))
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for messages")
	}
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCallWaitsForReply(t *testing.T) {
	bus := New()
	wal := bus.Endpoint("wal")
	tx := bus.Endpoint("tx")
	_ = tx

	wal.HandleFunc("echo", func(ctx context.Context, msg *Message) {
		msg.Payload = msg.Payload.(int) * 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wal.Run(ctx)

	pipe := bus.Pair("tx", "wal")
	reply, err := pipe.Call(context.Background(), &Message{Route: []Hop{{Handler: "echo"}}, Payload: 21})
	require.NoError(t, err)
	assert.Equal(t, 42, reply.Payload)
}

func TestPriorityPipeDispatchedAheadOfRegular(t *testing.T) {
	bus := New()
	tx := bus.Endpoint("tx")

	var order []string
	gotBoth := make(chan struct{})
	tx.HandleFunc("mark", func(ctx context.Context, msg *Message) {
		order = append(order, msg.Payload.(string))
		if len(order) == 2 {
			close(gotBoth)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill the regular pipe before the endpoint starts running so both
	// messages are already queued when the loop begins its first round.
	regular := bus.Pair("wal", "tx")
	require.NoError(t, regular.Push(&Message{Route: []Hop{{Handler: "mark"}}, Payload: "regular"}))
	require.NoError(t, regular.Push(&Message{Route: []Hop{{Handler: "mark"}}, Payload: "priority", Priority: true}))

	tx.Run(ctx)

	select {
	case <-gotBoth:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, "priority", order[0], "priority pipe must be drained ahead of the regular pipe")
}

func TestUnknownHandlerFailsMessage(t *testing.T) {
	bus := New()
	wal := bus.Endpoint("wal")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wal.Run(ctx)

	pipe := bus.Pair("tx", "wal")
	reply, err := pipe.Call(context.Background(), &Message{Route: []Hop{{Handler: "missing"}}})
	require.Error(t, err)
	require.NotNil(t, reply)
}
