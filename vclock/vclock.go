// Package vclock implements the per-instance logical clock used throughout
// the durability and replication engine to give every committed row a
// total, crash-consistent position in the log.
package vclock

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Order is the result of comparing two clocks.
type Order int

const (
	Incomparable Order = iota
	Less
	Equal
	Greater
)

// VClock is a sparse mapping from instance id to a monotone, non-negative
// LSN counter. The zero value is an empty clock and is ready to use.
type VClock struct {
	lsn map[uint32]uint64
}

// New returns an empty VClock.
func New() *VClock {
	return &VClock{lsn: make(map[uint32]uint64)}
}

// Get returns the LSN recorded for id, or 0 if unset.
func (v *VClock) Get(id uint32) uint64 {
	if v == nil {
		return 0
	}
	return v.lsn[id]
}

// IsSet reports whether id has ever been recorded in this clock.
func (v *VClock) IsSet(id uint32) bool {
	if v == nil {
		return false
	}
	_, ok := v.lsn[id]
	return ok
}

// Set unconditionally stamps id with lsn. Used only during bootstrap
// (loading a clock from a segment header); regular advancement must go
// through Follow or Inc so regressions are caught.
func (v *VClock) Set(id uint32, lsn uint64) {
	if v.lsn == nil {
		v.lsn = make(map[uint32]uint64)
	}
	v.lsn[id] = lsn
}

// Follow advances id to lsn, failing if lsn does not strictly exceed the
// current value. This is the guard used when applying a foreign row: a
// non-positive delta is a programmer error (§4.3).
func (v *VClock) Follow(id uint32, lsn uint64) error {
	if v.lsn == nil {
		v.lsn = make(map[uint32]uint64)
	}
	cur := v.lsn[id]
	if lsn <= cur {
		return fmt.Errorf("vclock: follow(%d, %d) does not advance past current %d", id, lsn, cur)
	}
	v.lsn[id] = lsn
	return nil
}

// Inc advances id by exactly one and returns the new value. This is the
// path used to mint a fresh LSN for a locally originated row.
func (v *VClock) Inc(id uint32) uint64 {
	if v.lsn == nil {
		v.lsn = make(map[uint32]uint64)
	}
	v.lsn[id]++
	return v.lsn[id]
}

// Sum returns the total of all components: the clock's "signature", used as
// a total-order tiebreak among otherwise-incomparable clocks.
func (v *VClock) Sum() uint64 {
	if v == nil {
		return 0
	}
	var total uint64
	for _, lsn := range v.lsn {
		total += lsn
	}
	return total
}

// Copy returns an independent deep copy.
func (v *VClock) Copy() *VClock {
	out := New()
	if v == nil {
		return out
	}
	for id, lsn := range v.lsn {
		out.lsn[id] = lsn
	}
	return out
}

// Ids returns the set of recorded instance ids (including any set to
// zero), sorted for
// deterministic iteration (segment headers, logging).
func (v *VClock) Ids() []uint32 {
	if v == nil {
		return nil
	}
	ids := make([]uint32, 0, len(v.lsn))
	for id := range v.lsn {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Compare returns how a relates to b: a clock a is Greater than b if it
// dominates every component of b (and exceeds at least one); Incomparable
// if neither dominates the other.
func Compare(a, b *VClock) Order {
	if a == nil {
		a = New()
	}
	if b == nil {
		b = New()
	}
	aGreaterSomewhere := false
	bGreaterSomewhere := false

	seen := make(map[uint32]struct{}, len(a.lsn)+len(b.lsn))
	for id := range a.lsn {
		seen[id] = struct{}{}
	}
	for id := range b.lsn {
		seen[id] = struct{}{}
	}
	for id := range seen {
		av, bv := a.lsn[id], b.lsn[id]
		switch {
		case av > bv:
			aGreaterSomewhere = true
		case bv > av:
			bGreaterSomewhere = true
		}
	}
	switch {
	case aGreaterSomewhere && bGreaterSomewhere:
		return Incomparable
	case aGreaterSomewhere:
		return Greater
	case bGreaterSomewhere:
		return Less
	default:
		return Equal
	}
}

// Merge adds diff componentwise into into, mutating into in place. This is
// the only way the writer's VClock advances: the tentative diff accumulated
// while assigning LSNs for a batch is merged in exactly once, after the
// batch's flush has succeeded (§4.3).
func Merge(into *VClock, diff *VClock) {
	if into.lsn == nil {
		into.lsn = make(map[uint32]uint64)
	}
	if diff == nil {
		return
	}
	for id, lsn := range diff.lsn {
		into.lsn[id] += lsn
	}
}

// Min returns the pointwise minimum of a and b. A component absent from
// either clock is treated as 0, so the result only carries components
// present in both; this mirrors the matrix clock's retention semantics
// (§3, MClock).
func Min(a, b *VClock) *VClock {
	out := New()
	if a == nil || b == nil {
		return out
	}
	for id, av := range a.lsn {
		if bv, ok := b.lsn[id]; ok {
			if av < bv {
				out.lsn[id] = av
			} else {
				out.lsn[id] = bv
			}
		}
	}
	return out
}

// WriteTo serializes v as a count followed by (id, lsn) pairs, the same
// layout segment headers and checkpoints use; the relay sends ack frames
// in it.
func (v *VClock) WriteTo(w io.Writer) error {
	ids := v.Ids()
	if err := binary.Write(w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return err
	}
	for _, id := range ids {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, v.Get(id)); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrom reverses WriteTo into a freshly allocated VClock.
func ReadFrom(r io.Reader) (*VClock, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	v := New()
	for i := uint32(0); i < count; i++ {
		var id uint32
		var lsn uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &lsn); err != nil {
			return nil, err
		}
		v.Set(id, lsn)
	}
	return v, nil
}

// String renders v as "{id:lsn, ...}" in sorted id order, for logging and
// operator tooling.
func (v *VClock) String() string {
	ids := v.Ids()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d:%d", id, v.Get(id))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// LessOrEqual reports whether a is dominated by (or equal to) b in every
// component — the "starting VClock <= bound" test used throughout
// checkpoint and GC accounting.
func LessOrEqual(a, b *VClock) bool {
	if a == nil {
		return true
	}
	if b == nil {
		b = New()
	}
	for id, av := range a.lsn {
		if av > b.lsn[id] {
			return false
		}
	}
	return true
}
