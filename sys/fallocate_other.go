//go:build !linux && !darwin

package sys

// Preallocate is a no-op on platforms without a supported syscall; the
// caller falls back to relying on the write path to surface ENOSPC.
func Preallocate(f FileHandle, size int64) error {
	return ErrPreallocateUnsupported
}
