// Package shm contains platform-specific helpers for the shared memory segment and the named semaphores
// built on top of it.
package shm

import "errors"

// ErrUnsupported is returned on platforms without mmap-backed shared files.
var ErrUnsupported = errors.New("shared memory is not supported on this platform")

// MappedRegion represents a memory-mapped shared file.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Path string
}

// Size returns the length of the mapped view.
func (r *MappedRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.Addr)
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Path string
	// Size is the minimum length of the view. The backing file is extended when it is shorter.
	Size int
	// Create creates the backing file when it does not exist.
	Create bool
	// Exclusive fails with os.ErrExist if the backing file already exists.
	Exclusive bool
}
