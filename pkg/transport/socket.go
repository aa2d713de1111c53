package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/logging"
	"github.com/srediag/pcipc/internal/metrics"
)

const (
	// DefaultSocketPath is the rendezvous point of producers and consumers.
	DefaultSocketPath = "/tmp/producer_consumer_socket"
	// DefaultMaxMessageSize caps how much of one connection is read.
	DefaultMaxMessageSize = 2048
	// DefaultIdleTimeout is how long one accept waits before counting an idle round.
	DefaultIdleTimeout = time.Second
	// DefaultIdleRounds is how many consecutive idle rounds end the stream.
	DefaultIdleRounds = 3

	backendSocket = "socket"
)

// SocketProducer sends every message on its own connection to Addr.
type SocketProducer struct {
	Addr    string
	Retry   RetryPolicy
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func metricsOrDefault(m *metrics.Metrics) *metrics.Metrics {
	if m == nil {
		return metrics.Default()
	}
	return m
}

func loggerOrDefault(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return logging.Named(name)
	}
	return l
}

// SendMessages sends msg count times, waiting for the consumer per the retry policy.
func (p *SocketProducer) SendMessages(ctx context.Context, msg []byte, count int) (int, error) {
	for i := 0; i < count; i++ {
		if err := p.Send(ctx, msg); err != nil {
			return i, err
		}
	}
	return count, nil
}

// Send connects, writes msg once and closes.
func (p *SocketProducer) Send(ctx context.Context, msg []byte) error {
	m := metricsOrDefault(p.Metrics)
	log := loggerOrDefault(p.Logger, "socket")
	var d net.Dialer
	var conn net.Conn
	err := p.Retry.Do(ctx, func() error {
		c, err := d.DialContext(ctx, "unix", p.Addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(err error, next time.Duration) {
		m.ConnectRetries.Inc()
		log.Debug("consumer not ready, retrying", zap.String("addr", p.Addr), zap.Duration("in", next), zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("%w: connect %s: %w", ErrIO, p.Addr, err)
	}
	defer conn.Close()
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, p.Addr, err)
	}
	m.MessagesSent.WithLabelValues(backendSocket).Inc()
	m.BytesSent.WithLabelValues(backendSocket).Add(float64(len(msg)))
	return nil
}

// SocketConsumer accepts one message per connection on Addr.
type SocketConsumer struct {
	Addr string
	// IdleTimeout bounds every accept.
	IdleTimeout time.Duration
	// IdleRounds consecutive accept timeouts after the first message end the stream.
	IdleRounds     int
	MaxMessageSize int
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Receive implements Receiver.
func (c *SocketConsumer) Receive(ctx context.Context, fn Handler) (int, error) {
	return c.ReceiveLoop(ctx, fn)
}

// ReceiveLoop listens on Addr and calls fn for every non-empty message until the producers
// have gone quiet for IdleRounds accept timeouts. Before the first message it waits until
// ctx ends. A connection that fails mid-read, or stalls past IdleTimeout, ends the loop with
// ErrIO. The socket file is removed on return.
func (c *SocketConsumer) ReceiveLoop(ctx context.Context, fn Handler) (int, error) {
	idleTimeout := c.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	idleRounds := c.IdleRounds
	if idleRounds <= 0 {
		idleRounds = DefaultIdleRounds
	}
	maxSize := c.MaxMessageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	m := metricsOrDefault(c.Metrics)
	log := loggerOrDefault(c.Logger, "socket")

	if err := removeStaleSocket(c.Addr); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrIO, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: c.Addr, Net: "unix"})
	if err != nil {
		return 0, fmt.Errorf("%w: listen %s: %w", ErrIO, c.Addr, err)
	}
	ln.SetUnlinkOnClose(true)
	defer ln.Close()
	log.Info("listening", zap.String("addr", c.Addr))

	var received, idle int
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		if err := ln.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return received, fmt.Errorf("%w: %w", ErrIO, err)
		}
		conn, err := ln.AcceptUnix()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			idle++
			m.IdleRounds.Inc()
			if received > 0 && idle >= idleRounds {
				log.Debug("producers idle, stopping", zap.Int("received", received))
				return received, nil
			}
			continue
		}
		if err != nil {
			return received, fmt.Errorf("%w: accept %s: %w", ErrIO, c.Addr, err)
		}
		msg, err := readMessage(conn, maxSize, idleTimeout)
		if err != nil {
			log.Error("reading message", zap.Error(err), zap.Int("received", received))
			return received, fmt.Errorf("%w: read %s: %w", ErrIO, c.Addr, err)
		}
		if len(msg) == 0 {
			continue
		}
		idle = 0
		received++
		m.MessagesReceived.WithLabelValues(backendSocket).Inc()
		if err := fn(msg); err != nil {
			return received, err
		}
	}
}

// readMessage reads one connection to EOF, at most limit bytes, and closes it.
func readMessage(conn *net.UnixConn, limit int, timeout time.Duration) ([]byte, error) {
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if _, err := buf.ReadFrom(io.LimitReader(conn, int64(limit))); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.B...), nil
}

// removeStaleSocket deletes a socket file left by a consumer that did not shut down. Anything
// that is not a socket is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// RemoveSocket removes the socket file at path if one is there.
func RemoveSocket(path string) error {
	return removeStaleSocket(path)
}
