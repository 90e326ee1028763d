package wal

import (
	"context"

	"github.com/nexuswal/walrelay/cbus"
	"github.com/nexuswal/walrelay/journal"
)

// Write is the TX-side front door described in §4.2: it pushes entry onto
// the "wal" endpoint as a "write" message and blocks until the batch it
// ends up in has been durably flushed or rolled back, returning the
// result the WAL thread completed it with (the entry's signature, or -1 on
// rollback). The caller must be a fiber that can suspend without holding
// a structural invariant (§4.1) — a transaction commit always is.
//
// The message is pushed rather than called: the "write" handler may fold
// this entry into another message's batch, and then only the entry's own
// completion, not a reply to this message, reports the outcome.
func Write(ctx context.Context, bus *cbus.Bus, from string, entry *journal.Entry) (int64, error) {
	pipe := bus.Pair(from, "wal")
	msg := &cbus.Message{
		Route:   []cbus.Hop{{Handler: "write"}},
		Payload: entry,
	}
	if err := pipe.Push(msg); err != nil {
		return -1, err
	}
	return entry.Wait(), nil
}
