package wal

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

// segmentMeta is the directory's lightweight index entry for one sealed or
// active segment: just enough to route a cursor/GC query without reopening
// the file's row data.
type segmentMeta struct {
	firstLSN    uint64
	path        string
	startVClock *vclock.VClock
}

// Directory indexes every segment file on disk by its starting LSN,
// ordered oldest-first, so the writer can pick a GC frontier and the relay
// can find the right file to fall back to (§4.9).
type Directory struct {
	mu   sync.RWMutex
	dir  string
	segs []segmentMeta
}

// OpenDirectory scans dir for segment files and builds the index, reading
// only each file's header and starting VClock.
func OpenDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewError(core.KindIO, "create wal dir", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, core.NewError(core.KindIO, "read wal dir", err)
	}

	d := &Directory{dir: dir}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		firstLSN, ok := parseSegmentName(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, _, startVClock, err := openSegmentForRead(path)
		if err != nil {
			return nil, err
		}
		f.Close()
		d.segs = append(d.segs, segmentMeta{firstLSN: firstLSN, path: path, startVClock: startVClock})
	}
	sort.Slice(d.segs, func(i, j int) bool { return d.segs[i].firstLSN < d.segs[j].firstLSN })
	return d, nil
}

func parseSegmentName(name string) (uint64, bool) {
	base := strings.TrimSuffix(name, ".wal")
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Add records a newly created segment in the index. Called by the writer
// right after createSegment succeeds.
func (d *Directory) Add(firstLSN uint64, path string, startVClock *vclock.VClock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.segs = append(d.segs, segmentMeta{firstLSN: firstLSN, path: path, startVClock: startVClock.Copy()})
}

// NewestMeta returns the full index entry for the most recently created
// segment, used to reopen it for append on restart.
func (d *Directory) NewestMeta() (path string, firstLSN uint64, startVClock *vclock.VClock, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.segs) == 0 {
		return "", 0, nil, false
	}
	last := d.segs[len(d.segs)-1]
	return last.path, last.firstLSN, last.startVClock.Copy(), true
}

// Newest returns the path and firstLSN of the most recently created
// segment, or ("", 0, false) if the directory is empty.
func (d *Directory) Newest() (path string, firstLSN uint64, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.segs) == 0 {
		return "", 0, false
	}
	last := d.segs[len(d.segs)-1]
	return last.path, last.firstLSN, true
}

// Oldest returns the starting VClock of the oldest retained segment, or nil
// if the directory is empty (nothing retained yet).
func (d *Directory) Oldest() *vclock.VClock {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.segs) == 0 {
		return nil
	}
	return d.segs[0].startVClock.Copy()
}

// FindContaining returns the path of the segment a cursor reading from
// "from" should open: the last segment whose startVClock does not exceed
// from, since segments are contiguous and any row after "from" that isn't
// in this segment is in a later one. ok is false if from predates every
// retained segment (the caller's window has already been garbage
// collected — a durability/retention misconfiguration, not transient).
func (d *Directory) FindContaining(from *vclock.VClock) (path string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.segs) == 0 {
		return "", false
	}
	if !vclock.LessOrEqual(d.segs[0].startVClock, from) {
		return "", false
	}
	chosen := d.segs[0]
	for _, s := range d.segs[1:] {
		if vclock.LessOrEqual(s.startVClock, from) {
			chosen = s
		} else {
			break
		}
	}
	return chosen.path, true
}

// Next returns the segment immediately after the one starting at firstLSN,
// for a file reader that has exhausted one segment and needs to roll
// forward to the next (§4.9 streaming continuation).
func (d *Directory) Next(firstLSN uint64) (path string, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i, s := range d.segs {
		if s.firstLSN == firstLSN && i+1 < len(d.segs) {
			return d.segs[i+1].path, true
		}
	}
	return "", false
}

// DeleteOldestBelow deletes exactly one segment — the oldest retained — for
// the §4.4 ENOSPC recovery loop, distinct from GCBelow's multi-segment
// sweep: it removes at most one file per call, never the active segment
// (len(d.segs) < 2 means the only segment left is the one still being
// written to), and only when that segment's starting VClock is strictly
// below keep (checkpoint_vclock): dominated by it and not equal to it, so
// a segment starting exactly at the checkpoint, which holds rows past it,
// is kept. It reports the new oldest segment's starting VClock so the
// caller can raise gc_first_vclock/gc_wal_vclock.
func (d *Directory) DeleteOldestBelow(keep *vclock.VClock) (removedPath string, newOldest *vclock.VClock, ok bool, err error) {
	if keep == nil {
		return "", nil, false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.segs) < 2 {
		return "", nil, false, nil
	}
	oldest := d.segs[0]
	if !vclock.LessOrEqual(oldest.startVClock, keep) || vclock.Compare(oldest.startVClock, keep) == vclock.Equal {
		return "", nil, false, nil
	}
	if err := os.Remove(oldest.path); err != nil && !os.IsNotExist(err) {
		return "", nil, false, core.NewError(core.KindIO, "remove segment for enospc reclaim", err)
	}
	d.segs = d.segs[1:]
	return oldest.path, d.segs[0].startVClock.Copy(), true, nil
}

// GCBelow removes every sealed segment that is entirely covered by keep,
// i.e. every row it holds has an LSN already at or below what keep
// retains. The active (most recent) segment is never a candidate: segments
// are contiguous, so a segment is fully covered only once the *next*
// segment's starting VClock is itself <= keep. It returns the paths removed.
func (d *Directory) GCBelow(keep *vclock.VClock) ([]string, error) {
	if keep == nil {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	kept := d.segs[:0:0]
	for i := 0; i < len(d.segs); i++ {
		isLast := i+1 >= len(d.segs)
		if !isLast && vclock.LessOrEqual(d.segs[i+1].startVClock, keep) {
			if err := os.Remove(d.segs[i].path); err != nil && !os.IsNotExist(err) {
				return removed, core.NewError(core.KindIO, "remove gc'd segment", err)
			}
			removed = append(removed, d.segs[i].path)
			continue
		}
		kept = append(kept, d.segs[i])
	}
	d.segs = kept
	return removed, nil
}
