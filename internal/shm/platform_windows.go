//go:build windows

package shm

import (
	"context"
	"errors"
)

// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
var ErrFutexTimeout = errors.New("futex timeout")

// MapRegion is not implemented on Windows.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupported
}

// GrowRegion is not implemented on Windows.
func GrowRegion(region *MappedRegion, size int) error { return ErrUnsupported }

// RemapRegion is not implemented on Windows.
func RemapRegion(region *MappedRegion) error { return ErrUnsupported }

// UnmapRegion is not implemented on Windows.
func UnmapRegion(region *MappedRegion) error { return nil }

// RemoveRegion is not implemented on Windows.
func RemoveRegion(path string) error { return ErrUnsupported }

// LinkRegion is not implemented on Windows.
func LinkRegion(oldPath, newPath string) error { return ErrUnsupported }

// SameFile is not implemented on Windows.
func SameFile(region *MappedRegion) bool { return false }

// FutexWait is not implemented on Windows.
func FutexWait(addr *uint32, val uint32, timeoutNs int64) error { return ErrUnsupported }

// FutexWake is not implemented on Windows.
func FutexWake(addr *uint32, n int) (int, error) { return 0, ErrUnsupported }
