package sem

import (
	"errors"
	"fmt"
)

// Suffixes appended to a Set prefix to name its semaphores.
const (
	MutexSuffix = "_mutex"
	EmptySuffix = "_empty"
	FullSuffix  = "_full"
)

// Set is the mutex/empty/full triple guarding one bounded buffer.
type Set struct {
	Mutex *Semaphore
	Empty *Semaphore
	Full  *Semaphore

	prefix string
	opts   []Option
}

// Names returns the mutex, empty and full semaphore names for prefix.
func Names(prefix string) (mutex, empty, full string) {
	return prefix + MutexSuffix, prefix + EmptySuffix, prefix + FullSuffix
}

// OpenSet opens or creates the triple for prefix with initial values (1, capacity, 0).
func OpenSet(prefix string, capacity uint32, opts ...Option) (*Set, error) {
	mutexName, emptyName, fullName := Names(prefix)
	s := &Set{prefix: prefix, opts: opts}
	var err error
	if s.Mutex, err = OpenOrCreate(mutexName, 1, opts...); err != nil {
		return nil, err
	}
	if s.Empty, err = OpenOrCreate(emptyName, capacity, opts...); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.Full, err = OpenOrCreate(fullName, 0, opts...); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Prefix returns the name prefix of the set.
func (s *Set) Prefix() string { return s.prefix }

// Options returns the options the set was opened with.
func (s *Set) Options() []Option { return s.opts }

func (s *Set) all() []*Semaphore {
	var out []*Semaphore
	for _, sem := range []*Semaphore{s.Mutex, s.Empty, s.Full} {
		if sem != nil {
			out = append(out, sem)
		}
	}
	return out
}

// Stale reports whether any semaphore of the set was unlinked since it was opened.
func (s *Set) Stale() bool {
	for _, sem := range s.all() {
		if sem.Stale() {
			return true
		}
	}
	return false
}

// Close releases this process's handles.
func (s *Set) Close() error {
	var errs []error
	for _, sem := range s.all() {
		if err := sem.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unlink removes all three names.
func (s *Set) Unlink() error {
	return UnlinkSet(s.prefix, s.opts...)
}

// UnlinkSet removes the triple for prefix without opening it.
func UnlinkSet(prefix string, opts ...Option) error {
	mutexName, emptyName, fullName := Names(prefix)
	var errs []error
	for _, name := range []string{mutexName, emptyName, fullName} {
		if err := Unlink(name, opts...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("unlink set %s: %w", prefix, err)
	}
	return nil
}
