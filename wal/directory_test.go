package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

func addSegment(t *testing.T, d *Directory, dir string, firstLSN uint64, start *vclock.VClock) string {
	seg, err := createSegment(dir, firstLSN, start, core.CompressionNone, [16]byte{}, [16]byte{})
	require.NoError(t, err)
	require.NoError(t, seg.close())
	d.Add(firstLSN, seg.path, start)
	return seg.path
}

func TestDirectoryFindContaining(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDirectory(dir)
	require.NoError(t, err)

	v0 := vclock.New()
	v5 := vclock.New()
	v5.Set(1, 5)
	v10 := vclock.New()
	v10.Set(1, 10)

	p1 := addSegment(t, d, dir, 1, v0)
	p2 := addSegment(t, d, dir, 6, v5)
	_ = addSegment(t, d, dir, 11, v10)

	from := vclock.New()
	from.Set(1, 3)
	path, ok := d.FindContaining(from)
	require.True(t, ok)
	assert.Equal(t, p1, path)

	from2 := vclock.New()
	from2.Set(1, 7)
	path2, ok := d.FindContaining(from2)
	require.True(t, ok)
	assert.Equal(t, p2, path2)

	// Once the oldest segment has been reclaimed, a cursor asking for
	// anything that predates the new oldest segment's starting clock must
	// be refused rather than silently served from the wrong file.
	keep := vclock.New()
	keep.Set(1, 6)
	_, err = d.GCBelow(keep)
	require.NoError(t, err)

	tooOld := vclock.New()
	tooOld.Set(1, 3)
	_, ok = d.FindContaining(tooOld)
	assert.False(t, ok)
}

func TestDirectoryGCBelowKeepsActiveSegment(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDirectory(dir)
	require.NoError(t, err)

	v0 := vclock.New()
	v5 := vclock.New()
	v5.Set(1, 5)
	v10 := vclock.New()
	v10.Set(1, 10)

	p1 := addSegment(t, d, dir, 1, v0)
	addSegment(t, d, dir, 6, v5)
	addSegment(t, d, dir, 11, v10)

	keep := vclock.New()
	keep.Set(1, 6)
	removed, err := d.GCBelow(keep)
	require.NoError(t, err)
	require.Equal(t, []string{p1}, removed)

	_, err = os.Stat(p1)
	assert.True(t, os.IsNotExist(err))

	// The segment starting at LSN 6 is not removable: the segment after it
	// (starting at 10) does not satisfy keep, so rows 6 through 10 might
	// still be needed.
	removed, err = d.GCBelow(keep)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDirectoryDeleteOldestBelowReclaimsAtMostOne(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDirectory(dir)
	require.NoError(t, err)

	v0 := vclock.New()
	v5 := vclock.New()
	v5.Set(1, 5)
	v10 := vclock.New()
	v10.Set(1, 10)

	p1 := addSegment(t, d, dir, 1, v0)
	addSegment(t, d, dir, 6, v5)
	addSegment(t, d, dir, 11, v10)

	keep := vclock.New()
	keep.Set(1, 10)

	removed, newOldest, ok, err := d.DeleteOldestBelow(keep)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p1, removed)
	assert.EqualValues(t, 5, newOldest.Get(1))

	_, err = os.Stat(p1)
	assert.True(t, os.IsNotExist(err))

	// Reclaiming again stops one segment short of the active one: the
	// active (most recently created) segment is never a candidate.
	_, _, ok, err = d.DeleteOldestBelow(keep)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, ok, err = d.DeleteOldestBelow(keep)
	require.NoError(t, err)
	assert.False(t, ok, "must never reclaim the last remaining segment")
}

func TestDirectoryDeleteOldestBelowRefusesPastKeep(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDirectory(dir)
	require.NoError(t, err)

	v0 := vclock.New()
	v5 := vclock.New()
	v5.Set(1, 5)

	addSegment(t, d, dir, 1, v0)
	addSegment(t, d, dir, 6, v5)

	keep := vclock.New() // checkpoint_vclock at 0: nothing is reclaimable yet.
	_, _, ok, err := d.DeleteOldestBelow(keep)
	require.NoError(t, err)
	assert.False(t, ok)
}
