// Package mclock implements the matrix clock: one VClock per consumer
// (replica), with a cached pointwise minimum used to pin WAL retention to
// whatever the slowest still-connected consumer still needs.
package mclock

import (
	"sync"

	"github.com/nexuswal/walrelay/vclock"
)

// MClock tracks, per consumer id, the last VClock that consumer has
// acknowledged, plus a cache of the pointwise minimum across all of them.
type MClock struct {
	mu        sync.Mutex
	acked     map[uint32]*vclock.VClock
	min       *vclock.VClock
	minValid  bool
}

// New returns an empty matrix clock.
func New() *MClock {
	return &MClock{acked: make(map[uint32]*vclock.VClock)}
}

// Update records the latest acknowledged clock for consumer id. The cached
// minimum is invalidated rather than recomputed eagerly: §4.1 of the design
// only needs Min() on the GC wake path, so recomputation is deferred to
// there.
func (m *MClock) Update(id uint32, v *vclock.VClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked[id] = v.Copy()
	m.minValid = false
}

// Remove drops a consumer (e.g. a deleted replica) from the matrix. This is
// one of the GC wake sources in §4.7.
func (m *MClock) Remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.acked, id)
	m.minValid = false
}

// Min returns the pointwise minimum across all tracked consumers. An empty
// matrix (no consumers) returns nil, meaning "no pin from consumers", which
// differs from an all-zero clock (that would pin retention at the start of
// the log); the GC path then bounds retention by gc_first_vclock and the
// checkpoint alone.
func (m *MClock) Min() *vclock.VClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minValid {
		return m.min.Copy()
	}
	m.min = m.recomputeLocked()
	m.minValid = true
	if m.min == nil {
		return nil
	}
	return m.min.Copy()
}

func (m *MClock) recomputeLocked() *vclock.VClock {
	if len(m.acked) == 0 {
		return nil
	}
	var acc *vclock.VClock
	for _, v := range m.acked {
		if acc == nil {
			acc = v.Copy()
			continue
		}
		acc = vclock.Min(acc, v)
	}
	return acc
}

// Snapshot returns a copy of the consumer id set currently tracked, useful
// for diagnostics.
func (m *MClock) Snapshot() map[uint32]*vclock.VClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]*vclock.VClock, len(m.acked))
	for id, v := range m.acked {
		out[id] = v.Copy()
	}
	return out
}
