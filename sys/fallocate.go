// Package sys isolates the platform-specific file primitives the WAL
// writer needs: preallocating space ahead of a write so a batch either
// fully fits or trips ENOSPC before any bytes are committed (§4.4).
package sys

import "errors"

// ErrPreallocateUnsupported is returned when the underlying filesystem does
// not support space preallocation. Callers treat it as non-fatal: the
// write proceeds without the head start, relying on the normal write path
// to surface ENOSPC if space really is exhausted.
var ErrPreallocateUnsupported = errors.New("sys: preallocate not supported on this filesystem")

// FileHandle is the subset of *os.File that Preallocate needs.
type FileHandle interface {
	Fd() uintptr
	Name() string
}
