package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/sys"
	"github.com/nexuswal/walrelay/vclock"
)

// SyncPolicy selects when a segment's dirty bytes are pushed to stable
// storage, mirroring wal_mode in §6.
type SyncPolicy uint8

const (
	// SyncNone never calls fsync; durability is left entirely to the OS
	// page cache flush schedule.
	SyncNone SyncPolicy = iota
	// SyncWrite fsyncs once per flushed batch.
	SyncWrite
	// SyncFsync is an alias kept distinct from SyncWrite so a future mode
	// that batches multiple journal flushes per fsync can be introduced
	// without renumbering the others.
	SyncFsync
)

func segmentFileName(firstLSN uint64) string {
	return fmt.Sprintf("%020d.wal", firstLSN)
}

// segmentPath returns the path a segment beginning at firstLSN would live
// at inside dir.
func segmentPath(dir string, firstLSN uint64) string {
	return filepath.Join(dir, segmentFileName(firstLSN))
}

// segment owns one open WAL segment file: its header, its write cursor, and
// enough bookkeeping to answer directory/GC queries without reopening the
// file.
type segment struct {
	mu sync.Mutex

	path        string
	file        *os.File
	w           *bufio.Writer
	header      core.FileHeader
	firstLSN    uint64 // this instance's LSN of the first row appended
	startVClock *vclock.VClock

	size     int64 // bytes written so far, including header
	rowCount int64
	sealed   bool // true once rotated away from; no further appends allowed
}

const frameHeaderLen = 4 + 4 // length + crc32

// createSegment creates a brand-new segment file, writes its header and
// starting VClock, and returns it ready for appends.
func createSegment(dir string, firstLSN uint64, startVClock *vclock.VClock, compression core.CompressionType, instanceUUID, replicasetUUID [16]byte) (*segment, error) {
	path := segmentPath(dir, firstLSN)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, core.NewError(core.KindIO, "create segment", err)
	}

	s := &segment{
		path:        path,
		file:        f,
		w:           bufio.NewWriterSize(f, 64*1024),
		header:      core.NewFileHeader(compression, instanceUUID, replicasetUUID),
		firstLSN:    firstLSN,
		startVClock: startVClock.Copy(),
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return s, nil
}

func (s *segment) writeHeader() error {
	if err := binary.Write(s.w, binary.LittleEndian, s.header); err != nil {
		return core.NewError(core.KindIO, "write segment header", err)
	}
	s.size += int64(s.header.Size())

	ids := s.startVClock.Ids()
	if err := binary.Write(s.w, binary.LittleEndian, uint32(len(ids))); err != nil {
		return core.NewError(core.KindIO, "write start vclock len", err)
	}
	s.size += 4
	for _, id := range ids {
		if err := binary.Write(s.w, binary.LittleEndian, id); err != nil {
			return core.NewError(core.KindIO, "write start vclock id", err)
		}
		if err := binary.Write(s.w, binary.LittleEndian, s.startVClock.Get(id)); err != nil {
			return core.NewError(core.KindIO, "write start vclock lsn", err)
		}
		s.size += 12
	}
	return nil
}

// preallocate reserves approxLen additional bytes ahead of the next write,
// so a batch either fully fits the reservation or ENOSPC surfaces before
// any of its bytes are appended (§4.4). Preallocate being unsupported on
// the underlying filesystem is not itself an error.
func (s *segment) preallocate(approxLen int64) error {
	if err := s.w.Flush(); err != nil {
		return core.NewError(core.KindIO, "flush before preallocate", err)
	}
	err := sys.Preallocate(s.file, s.size+approxLen+frameHeaderLen)
	if err == nil || err == sys.ErrPreallocateUnsupported {
		return nil
	}
	if !errors.Is(err, syscall.ENOSPC) {
		return core.NewError(core.KindIO, "preallocate", err)
	}
	// A genuine ENOSPC from the allocation syscall is the earliest possible
	// detection point for the batch, per §4.4.
	return core.NewError(core.KindENOSPC, "preallocate segment space", err)
}

// appendRowGroup writes one framed, checksummed row-group and returns the
// number of bytes it added to the segment. It does not itself fsync; the
// caller applies the configured SyncPolicy once per batch.
func (s *segment) appendRowGroup(rows []core.RowHeader, compression core.CompressionType) (int64, error) {
	payload, err := encodeRowGroup(rows, compression)
	if err != nil {
		return 0, core.NewError(core.KindIO, "encode row group", err)
	}
	if len(payload) > maxFrameLen {
		return 0, core.NewError(core.KindRecordTooLarge, "row group exceeds max frame length", nil)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	sum := crc32.ChecksumIEEE(payload)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], sum)

	if _, err := s.w.Write(lenBuf[:]); err != nil {
		return 0, core.NewError(core.KindIO, "write frame length", err)
	}
	if _, err := s.w.Write(payload); err != nil {
		return 0, core.NewError(core.KindIO, "write frame payload", err)
	}
	if _, err := s.w.Write(crcBuf[:]); err != nil {
		return 0, core.NewError(core.KindIO, "write frame checksum", err)
	}

	n := int64(frameHeaderLen + len(payload))
	s.size += n
	s.rowCount += int64(len(rows))
	return n, nil
}

// maxFrameLen bounds a single row-group frame, per §7's WAL_RECORD_TOO_LARGE
// kind: a row group this large almost certainly indicates a misbehaving
// caller rather than a legitimate transaction.
const maxFrameLen = 128 << 20

// flush pushes buffered bytes to the OS and, depending on policy, calls
// fsync. It is the synchronization boundary a batch's completion waits on.
func (s *segment) flush(policy SyncPolicy) error {
	if err := s.w.Flush(); err != nil {
		return core.NewError(core.KindIO, "flush segment buffer", err)
	}
	switch policy {
	case SyncNone:
		return nil
	case SyncWrite, SyncFsync:
		if err := s.file.Sync(); err != nil {
			return core.NewError(core.KindIO, "fsync segment", err)
		}
		return nil
	default:
		return nil
	}
}

// seal flushes, fsyncs unconditionally, and marks the segment as no longer
// appendable. Called on rotation.
func (s *segment) seal() error {
	if err := s.flush(SyncFsync); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// openSegmentForAppend reopens an existing segment file so writes continue
// at its current end of file, used when a Writer resumes after a restart
// and the newest segment on disk was never rotated away from.
func openSegmentForAppend(path string, firstLSN uint64, startVClock *vclock.VClock) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, core.NewError(core.KindIO, "reopen segment for append", err)
	}
	var h core.FileHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		f.Close()
		return nil, core.NewError(core.KindCorrupted, "read segment header", err)
	}
	if h.Magic != core.SegmentMagic {
		f.Close()
		return nil, core.NewError(core.KindCorrupted, fmt.Sprintf("bad magic %x in %s", h.Magic, path), nil)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, core.NewError(core.KindIO, "seek to end of segment", err)
	}
	return &segment{
		path:        path,
		file:        f,
		w:           bufio.NewWriterSize(f, 64*1024),
		header:      h,
		firstLSN:    firstLSN,
		startVClock: startVClock.Copy(),
		size:        size,
	}, nil
}

// openSegmentForRead opens an existing segment file for sequential reading
// (recovery, relay file-mode catch-up), decoding and validating its header.
func openSegmentForRead(path string) (*os.File, core.FileHeader, *vclock.VClock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, core.FileHeader{}, nil, core.NewError(core.KindIO, "open segment", err)
	}
	var h core.FileHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		f.Close()
		return nil, core.FileHeader{}, nil, core.NewError(core.KindCorrupted, "read segment header", err)
	}
	if h.Magic != core.SegmentMagic {
		f.Close()
		return nil, core.FileHeader{}, nil, core.NewError(core.KindCorrupted, fmt.Sprintf("bad magic %x in %s", h.Magic, path), nil)
	}

	var idCount uint32
	if err := binary.Read(f, binary.LittleEndian, &idCount); err != nil {
		f.Close()
		return nil, core.FileHeader{}, nil, core.NewError(core.KindCorrupted, "read start vclock length", err)
	}
	start := vclock.New()
	for i := uint32(0); i < idCount; i++ {
		var id uint32
		var lsn uint64
		if err := binary.Read(f, binary.LittleEndian, &id); err != nil {
			f.Close()
			return nil, core.FileHeader{}, nil, core.NewError(core.KindCorrupted, "read start vclock id", err)
		}
		if err := binary.Read(f, binary.LittleEndian, &lsn); err != nil {
			f.Close()
			return nil, core.FileHeader{}, nil, core.NewError(core.KindCorrupted, "read start vclock lsn", err)
		}
		start.Set(id, lsn)
	}
	return f, h, start, nil
}

// readRowGroup reads and validates the next frame from r, returning
// io.EOF when r is exhausted exactly at a frame boundary. A truncated
// trailing frame (partial write from a crash) is reported as io.ErrUnexpectedEOF,
// which callers treat as "stop reading here, do not error the whole segment"
// per §4.5's rollback/recovery boundary behavior.
func readRowGroup(r io.Reader, compression core.CompressionType) ([]core.RowHeader, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if int64(length) > maxFrameLen {
		return nil, core.NewError(core.KindCorrupted, "frame length exceeds maximum", nil)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	want := binary.LittleEndian.Uint32(crcBuf[:])
	got := crc32.ChecksumIEEE(payload)
	if want != got {
		return nil, core.NewError(core.KindCorrupted, "row group checksum mismatch", nil)
	}
	return decodeRowGroup(payload, compression)
}
