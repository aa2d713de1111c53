package session

import (
	"errors"
	"fmt"
)

// Kind classifies session failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResource covers semaphores, segments and sockets that cannot be created or opened.
	KindResource
	// KindIO covers read, write and accept failures once a transfer started.
	KindIO
	// KindUsage covers bad configuration, reported before any resource is created.
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindIO:
		return "io"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error is returned by the session operations.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func usageError(op, format string, args ...any) error {
	return &Error{Kind: KindUsage, Op: op, Err: fmt.Errorf(format, args...)}
}

func resourceError(op string, err error) error {
	return &Error{Kind: KindResource, Op: op, Err: err}
}

func ioError(op string, err error) error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}
