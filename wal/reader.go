package wal

import (
	"bufio"
	"errors"
	"io"
	"os"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/vclock"
)

// FileReader streams rows sequentially out of one or more segment files on
// disk, rolling forward across segment boundaries via the Directory. It is
// the fallback path a relay session switches to when the memory ring can
// no longer serve a cursor (§4.9), and the mechanism WAL recovery uses to
// replay the tail of the log at startup (§4.2).
type FileReader struct {
	dir *Directory

	f        *os.File
	r        *bufio.Reader
	header   core.FileHeader
	firstLSN uint64
	seen     *vclock.VClock

	pending []core.RowHeader
}

// OpenFileReader opens the segment that should contain rows after "from"
// and positions a FileReader to skip everything already seen.
func OpenFileReader(dir *Directory, from *vclock.VClock) (*FileReader, error) {
	path, ok := dir.FindContaining(from)
	if !ok {
		return nil, core.NewError(core.KindCorrupted, "requested vclock precedes retained segments", nil)
	}
	return openFileReaderAt(dir, path, from)
}

func openFileReaderAt(dir *Directory, path string, from *vclock.VClock) (*FileReader, error) {
	f, header, _, err := openSegmentForRead(path)
	if err != nil {
		return nil, err
	}
	firstLSN, _ := parseSegmentName(filepathBase(path))
	return &FileReader{
		dir:      dir,
		f:        f,
		r:        bufio.NewReader(f),
		header:   header,
		firstLSN: firstLSN,
		seen:     from.Copy(),
	}, nil
}

func filepathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// Next returns the next row this reader has not already delivered,
// rolling across segment boundaries and returning io.EOF once it reaches
// the end of the newest segment on disk with nothing further to read.
func (r *FileReader) Next() (*core.RowHeader, error) {
	for {
		if len(r.pending) == 0 {
			rows, err := readRowGroup(r.r, r.header.Compression)
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					if rolled, rerr := r.rollToNext(); rerr != nil {
						return nil, rerr
					} else if rolled {
						continue
					}
					return nil, io.EOF
				}
				return nil, err
			}
			r.pending = rows
		}
		row := r.pending[0]
		r.pending = r.pending[1:]
		if row.LSN <= r.seen.Get(row.InstanceID) {
			continue
		}
		_ = r.seen.Follow(row.InstanceID, row.LSN)
		out := row
		return &out, nil
	}
}

func (r *FileReader) rollToNext() (bool, error) {
	next, ok := r.dir.Next(r.firstLSN)
	if !ok {
		return false, nil
	}
	r.f.Close()
	f, header, _, err := openSegmentForRead(next)
	if err != nil {
		return false, err
	}
	firstLSN, _ := parseSegmentName(filepathBase(next))
	r.f = f
	r.r = bufio.NewReader(f)
	r.header = header
	r.firstLSN = firstLSN
	return true, nil
}

// Close releases the reader's open file handle.
func (r *FileReader) Close() error {
	return r.f.Close()
}
