// Package transport provides the message channels that do not need a shared segment: a
// connection-per-message Unix socket channel and an in-process bounded channel.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrIO wraps failures to move bytes once a peer was reached.
	ErrIO = errors.New("transport i/o failure")
	// ErrDisposed is returned by a MemoryChannel after Dispose.
	ErrDisposed = errors.New("channel disposed")
)

// Handler is called once for every received message. A non-nil error stops the receive loop.
type Handler func(msg []byte) error

// Receiver delivers messages to fn until the stream ends and returns how many were delivered.
type Receiver interface {
	Receive(ctx context.Context, fn Handler) (int, error)
}

var (
	_ Receiver = (*SocketConsumer)(nil)
	_ Receiver = (*MemoryChannel)(nil)
)
