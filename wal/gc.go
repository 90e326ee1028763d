package wal

import (
	"context"
	"time"

	"github.com/nexuswal/walrelay/vclock"
	"github.com/nexuswal/walrelay/watch"
)

// StartGC launches the background garbage-collection fiber described in
// §4.7: it reclaims segments once every row they hold is both checkpointed
// and acknowledged by every tracked consumer. It is woken on every write
// and rotation (via the watcher registry, so it never lags a heavy write
// burst by more than one sync tick), on the dedicated gcWake channel — an
// ack crossing gc_wal_vclock, a lowered gc_first_vclock, or a deleted
// replica — and otherwise by a coarse ticker that catches MClock changes,
// which do not raise a write/rotate event on their own.
func (w *Writer) StartGC(ctx context.Context, tick time.Duration) {
	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	watcher := w.Watch.Register(func(_ context.Context, _ watch.Event) { signal() })

	go func() {
		defer w.Watch.Detach(watcher)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runGCOnce()
			case <-wake:
				w.runGCOnce()
			case <-w.gcWake:
				w.runGCOnce()
			}
		}
	}()
}

// maxVClock returns the pointwise maximum of a and b, treating an absent
// component in either as 0 — the dual of vclock.Min, needed for §4.7's
// "collect := max(gc_first_vclock, mclock.min())" frontier formula. GC is
// the only caller, so this stays local rather than joining vclock's public
// surface.
func maxVClock(a, b *vclock.VClock) *vclock.VClock {
	out := vclock.New()
	for _, id := range a.Ids() {
		out.Set(id, a.Get(id))
	}
	for _, id := range b.Ids() {
		if v := b.Get(id); v > out.Get(id) {
			out.Set(id, v)
		}
	}
	return out
}

// runGCOnce computes the current retention frontier and removes every
// segment fully covered by it.
//
// The frontier is bounded by the last checkpoint unconditionally — GC must
// never discard a segment recovery would still need — and further bounded
// by collect, the pointwise max of the TX-set gc_first_vclock floor and
// the matrix clock's per-consumer minimum (§4.7). A matrix clock with no
// tracked consumers does not widen collect beyond gc_first_vclock, which
// keeps GC functional on a node with no replicas configured; an unset
// gc_first_vclock with no consumers leaves collect nil, meaning the
// checkpoint bound is the only one in effect.
func (w *Writer) runGCOnce() {
	w.mu.Lock()
	checkpointBound := w.lastCheckpoint
	gcFirst := w.gcFirstVClock
	w.mu.Unlock()
	if checkpointBound == nil {
		return
	}

	var collect *vclock.VClock
	consumerMin := w.MClock.Min()
	switch {
	case gcFirst != nil && consumerMin != nil:
		collect = maxVClock(gcFirst, consumerMin)
	case gcFirst != nil:
		collect = gcFirst
	case consumerMin != nil:
		collect = consumerMin
	}

	keep := checkpointBound
	if collect != nil {
		keep = vclock.Min(checkpointBound, collect)
	}

	removed, err := w.index.GCBelow(keep)
	if err != nil {
		w.logger.Error("wal gc failed", "error", err)
		return
	}
	if len(removed) == 0 {
		return
	}
	w.logger.Info("wal gc reclaimed segments", "count", len(removed))

	newOldest := w.index.Oldest()
	w.mu.Lock()
	w.gcWALVClock = newOldest
	cb := w.OnGarbageCollection
	w.mu.Unlock()
	if cb != nil {
		cb(newOldest)
	}
}
