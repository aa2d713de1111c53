//go:build unix && !linux

package shm

import (
	"errors"
	"sync/atomic"
	"time"
)

// ErrFutexTimeout is returned by FutexWait when the timeout elapses.
var ErrFutexTimeout = errors.New("futex timeout")

const pollStep = 200 * time.Microsecond

// FutexWait emulates a futex wait with a short sleep loop on systems without a shared futex.
func FutexWait(addr *uint32, val uint32, timeoutNs int64) error {
	var deadline time.Time
	if timeoutNs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrFutexTimeout
		}
		time.Sleep(pollStep)
	}
	return nil
}

// FutexWake is a no-op; sleepers poll.
func FutexWake(addr *uint32, n int) (int, error) { return 0, nil }
