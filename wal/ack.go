package wal

import "github.com/nexuswal/walrelay/vclock"

// AckUpdate is the payload a relay session's ack reader pushes to the
// "wal" endpoint's "ack" handler instead of mutating the writer's MClock
// directly (§4.8 point 3): the ack reader forwards the replica's new
// acked VClock to the wal thread rather than writing shared state from
// the relay fiber. It lives in this package, not relay's, so relay can
// depend on wal without an import cycle.
type AckUpdate struct {
	ReplicaID uint32
	VClock    *vclock.VClock
}
