package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

func TestSegmentFileNameRoundTrips(t *testing.T) {
	name := segmentFileName(12345)
	assert.Equal(t, "00000000000000012345.wal", name)

	got, ok := parseSegmentName(name)
	require.True(t, ok)
	assert.EqualValues(t, 12345, got)

	_, ok = parseSegmentName("not-a-segment.wal")
	assert.False(t, ok)
}

func TestCreateAndAppendRowGroup(t *testing.T) {
	dir := t.TempDir()
	start := vclock.New()
	seg, err := createSegment(dir, 1, start, core.CompressionNone, [16]byte{}, [16]byte{})
	require.NoError(t, err)
	defer seg.close()

	rows := []core.RowHeader{
		{InstanceID: 1, LSN: 1, TSN: 1, Body: []byte("hello")},
		{InstanceID: 1, LSN: 2, TSN: 1, IsCommit: true, Body: []byte("world")},
	}
	n, err := seg.appendRowGroup(rows, core.CompressionNone)
	require.NoError(t, err)
	assert.Greater(t, n, int64(0))
	require.NoError(t, seg.flush(SyncFsync))
}

func TestAppendRowGroupRoundTripsThroughDisk(t *testing.T) {
	dir := t.TempDir()
	start := vclock.New()
	seg, err := createSegment(dir, 1, start, core.CompressionSnappy, [16]byte{}, [16]byte{})
	require.NoError(t, err)

	rows := []core.RowHeader{
		{InstanceID: 2, LSN: 1, Body: []byte("abc")},
		{InstanceID: 2, LSN: 2, IsCommit: true, Body: []byte("defgh")},
	}
	_, err = seg.appendRowGroup(rows, core.CompressionSnappy)
	require.NoError(t, err)
	require.NoError(t, seg.seal())
	require.NoError(t, seg.close())

	f, header, startBack, err := openSegmentForRead(seg.path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, core.CompressionSnappy, header.Compression)
	assert.EqualValues(t, 0, startBack.Get(2))

	got, err := readRowGroup(f, header.Compression)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "abc", string(got[0].Body))
	assert.Equal(t, "defgh", string(got[1].Body))
	assert.True(t, got[1].IsCommit)
}

func TestAppendRowGroupRoundTripsWithLZ4(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, vclock.New(), core.CompressionLZ4, [16]byte{}, [16]byte{})
	require.NoError(t, err)

	rows := []core.RowHeader{{InstanceID: 3, LSN: 1, IsCommit: true, Body: []byte("lz4-payload")}}
	_, err = seg.appendRowGroup(rows, core.CompressionLZ4)
	require.NoError(t, err)
	require.NoError(t, seg.seal())
	require.NoError(t, seg.close())

	f, header, _, err := openSegmentForRead(seg.path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, core.CompressionLZ4, header.Compression)

	got, err := readRowGroup(f, header.Compression)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "lz4-payload", string(got[0].Body))
}

func TestOversizedRowGroupRejected(t *testing.T) {
	dir := t.TempDir()
	seg, err := createSegment(dir, 1, vclock.New(), core.CompressionNone, [16]byte{}, [16]byte{})
	require.NoError(t, err)
	defer seg.close()

	rows := []core.RowHeader{{InstanceID: 1, LSN: 1, Body: make([]byte, maxFrameLen+1)}}
	_, err = seg.appendRowGroup(rows, core.CompressionNone)
	require.Error(t, err)
	assert.Equal(t, core.KindRecordTooLarge, core.KindOf(err))
}
