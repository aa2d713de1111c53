package sem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	ishm "github.com/srediag/pcipc/internal/shm"
)

const (
	fileSize    = 16
	offCount    = 0
	offSleepers = 4

	// waitSlice bounds a single futex sleep when the caller's context can be cancelled.
	waitSlice = 50 * time.Millisecond

	maxOpenAttempts = 16
)

var (
	// ErrResource is returned when a semaphore cannot be created, opened or removed.
	ErrResource = errors.New("semaphore resource error")
	// ErrOverflow is returned by Post when the count would wrap.
	ErrOverflow = errors.New("semaphore count overflow")
)

type options struct {
	dir string
}

// Option configures where semaphores live.
type Option func(*options)

// WithDir places semaphore files in dir instead of the default shared memory directory.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{dir: ishm.DefaultDir()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Path returns the file backing the semaphore called name in dir.
func Path(dir, name string) string {
	return filepath.Join(dir, "sem."+name)
}

// Semaphore is a process-shared counting semaphore.
type Semaphore struct {
	name     string
	region   *ishm.MappedRegion
	count    *uint32
	sleepers *uint32
}

// OpenOrCreate attaches to the semaphore called name, creating it with the initial count
// if it does not exist. The initial count is ignored when attaching.
func OpenOrCreate(name string, initial uint32, opts ...Option) (*Semaphore, error) {
	o := buildOptions(opts)
	path := Path(o.dir, name)
	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		region, err := ishm.MapRegion(context.Background(), ishm.MapOptions{Path: path, Size: fileSize})
		if err == nil {
			return newSemaphore(name, region), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: open %s: %w", ErrResource, name, err)
		}
		s, err := create(name, path, initial)
		if err == nil {
			return s, nil
		}
		// Lost a creation race, or the winner was unlinked again before we opened it.
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: create %s: %w", ErrResource, name, err)
		}
	}
	return nil, fmt.Errorf("%w: open %s: name keeps changing", ErrResource, name)
}

// create initializes a private file and links it into place, so no process ever maps a
// semaphore whose count has not been written yet.
func create(name, path string, initial uint32) (*Semaphore, error) {
	tmp := path + ".tmp." + strconv.Itoa(os.Getpid()) + "." + strconv.FormatInt(time.Now().UnixNano(), 36)
	region, err := ishm.MapRegion(context.Background(), ishm.MapOptions{
		Path:      tmp,
		Size:      fileSize,
		Create:    true,
		Exclusive: true,
	})
	if err != nil {
		return nil, err
	}
	ishm.AtomicStoreUint32(region.Addr, offCount, initial)
	linkErr := ishm.LinkRegion(tmp, path)
	_ = ishm.RemoveRegion(tmp)
	if linkErr != nil {
		_ = ishm.UnmapRegion(region)
		return nil, linkErr
	}
	region.Path = path
	return newSemaphore(name, region), nil
}

func newSemaphore(name string, region *ishm.MappedRegion) *Semaphore {
	return &Semaphore{
		name:     name,
		region:   region,
		count:    ishm.Word(region.Addr, offCount),
		sleepers: ishm.Word(region.Addr, offSleepers),
	}
}

// Name returns the semaphore name.
func (s *Semaphore) Name() string { return s.name }

// Path returns the backing file.
func (s *Semaphore) Path() string { return s.region.Path }

// Value returns a snapshot of the count.
func (s *Semaphore) Value() uint32 {
	return atomic.LoadUint32(s.count)
}

// TryWait decrements the count if it is positive and reports whether it did.
func (s *Semaphore) TryWait() bool {
	for {
		v := atomic.LoadUint32(s.count)
		if v == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.count, v, v-1) {
			return true
		}
	}
}

// Wait blocks until the count is positive, then decrements it. It returns ctx.Err() if
// the context ends first; a context that is never done blocks indefinitely.
func (s *Semaphore) Wait(ctx context.Context) error {
	var slice int64
	if ctx.Done() != nil {
		slice = int64(waitSlice)
	}
	for {
		if s.TryWait() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		atomic.AddUint32(s.sleepers, 1)
		err := ishm.FutexWait(s.count, 0, slice)
		atomic.AddUint32(s.sleepers, ^uint32(0))
		if err != nil && !errors.Is(err, ishm.ErrFutexTimeout) {
			return fmt.Errorf("wait %s: %w", s.name, err)
		}
	}
}

// Post increments the count and wakes one waiter.
func (s *Semaphore) Post() error {
	for {
		v := atomic.LoadUint32(s.count)
		if v == ^uint32(0) {
			return fmt.Errorf("post %s: %w", s.name, ErrOverflow)
		}
		if atomic.CompareAndSwapUint32(s.count, v, v+1) {
			break
		}
	}
	if atomic.LoadUint32(s.sleepers) > 0 {
		if _, err := ishm.FutexWake(s.count, 1); err != nil {
			return fmt.Errorf("post %s: %w", s.name, err)
		}
	}
	return nil
}

// Stale reports whether the name no longer refers to this semaphore, i.e. it was unlinked
// (and possibly recreated) after this process opened it.
func (s *Semaphore) Stale() bool {
	return !ishm.SameFile(s.region)
}

// Close releases this process's view. The semaphore survives until it is unlinked.
func (s *Semaphore) Close() error {
	if err := ishm.UnmapRegion(s.region); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}

// Unlink removes the name so no further process can open this semaphore. Processes that
// already opened it keep working until they close it.
func (s *Semaphore) Unlink() error {
	if err := ishm.RemoveRegion(s.region.Path); err != nil {
		return fmt.Errorf("%w: %w", ErrResource, err)
	}
	return nil
}

// Unlink removes the semaphore called name. A missing semaphore is not an error.
func Unlink(name string, opts ...Option) error {
	o := buildOptions(opts)
	if err := ishm.RemoveRegion(Path(o.dir, name)); err != nil {
		return fmt.Errorf("%w: %w", ErrResource, err)
	}
	return nil
}
