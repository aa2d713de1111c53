//go:build linux

package shm

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex operations: the words live in MAP_SHARED memory used by several processes.
const (
	futexWait = 0
	futexWake = 1
)

// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
var ErrFutexTimeout = errors.New("futex timeout")

// FutexWait sleeps while *addr == val, for at most timeoutNs nanoseconds (0 waits forever).
// Spurious wakeups are possible; callers re-check their condition.
func FutexWait(addr *uint32, val uint32, timeoutNs int64) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	var tsp unsafe.Pointer
	if timeoutNs > 0 {
		ts := unix.NsecToTimespec(timeoutNs)
		tsp = unsafe.Pointer(&ts)
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWait,
		uintptr(val),
		uintptr(tsp),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return ErrFutexTimeout
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// FutexWake wakes up to n sleepers on addr and returns how many were woken.
func FutexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWake,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake: %w", errno)
	}
	return int(r1), nil
}
