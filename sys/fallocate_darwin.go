//go:build darwin

package sys

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for f using the F_PREALLOCATE fcntl,
// trying a contiguous allocation first and falling back to a
// non-contiguous one (mirrors the historical SQLite/WAL approach to
// macOS preallocation).
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fd := int(f.Fd())

	store := &unix.Fstore_t{
		Flags:   unix.F_ALLOCATECONTIG,
		Posmode: unix.F_PEOFPOSMODE,
		Length:  size,
	}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_PREALLOCATE, uintptr(unsafe.Pointer(store)))
	if errno == 0 {
		return nil
	}

	store.Flags = unix.F_ALLOCATEALL
	_, _, errno = unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_PREALLOCATE, uintptr(unsafe.Pointer(store)))
	if errno == 0 {
		return nil
	}
	if errno == unix.ENOTSUP || errno == unix.EINVAL {
		return ErrPreallocateUnsupported
	}
	if errors.Is(errno, unix.ENOSPC) {
		return errno
	}
	return fmt.Errorf("sys: F_PREALLOCATE %s: %w", f.Name(), errno)
}
