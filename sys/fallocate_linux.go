//go:build linux

package sys

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Preallocate reserves size bytes for f without growing its visible length,
// using fallocate(2) with FALLOC_FL_KEEP_SIZE. Falling back to a
// size-changing fallocate keeps behavior sane on filesystems that reject
// KEEP_SIZE outright (notably some network filesystems).
func Preallocate(f FileHandle, size int64) error {
	if size <= 0 {
		return nil
	}
	fd := int(f.Fd())

	err := unix.Fallocate(fd, unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if err == nil {
		return nil
	}
	if unsupported(err) {
		return ErrPreallocateUnsupported
	}

	err = unix.Fallocate(fd, 0, 0, size)
	if err == nil {
		return nil
	}
	if unsupported(err) {
		return ErrPreallocateUnsupported
	}
	if errors.Is(err, unix.ENOSPC) {
		return err
	}
	return fmt.Errorf("sys: fallocate %s: %w", f.Name(), err)
}

func unsupported(err error) bool {
	return errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOTTY)
}
