package transport

import (
	"context"
	"errors"

	"github.com/Workiva/go-datastructures/queue"
	"golang.org/x/sync/semaphore"

	"github.com/srediag/pcipc/internal/metrics"
)

const backendMemory = "memory"

// endOfStream is queued by CloseSend behind the last message.
type endOfStream struct{}

// MemoryChannel is a bounded in-process channel with an explicit end-of-stream marker,
// for producers and consumers that share one process. Senders block on free slots and
// receivers on queued items without polling.
type MemoryChannel struct {
	rb      *queue.RingBuffer
	slots   *semaphore.Weighted
	items   *semaphore.Weighted
	life    context.Context
	dispose context.CancelFunc
	metrics *metrics.Metrics
}

// NewMemoryChannel returns a channel holding at least capacity messages. The ring rounds
// capacity up to a power of two. A nil m uses the default collectors.
func NewMemoryChannel(capacity uint64, m *metrics.Metrics) *MemoryChannel {
	rb := queue.NewRingBuffer(capacity)
	items := semaphore.NewWeighted(int64(rb.Cap()))
	// Nothing is queued yet.
	_ = items.Acquire(context.Background(), int64(rb.Cap()))
	life, dispose := context.WithCancel(context.Background())
	return &MemoryChannel{
		rb:      rb,
		slots:   semaphore.NewWeighted(int64(rb.Cap())),
		items:   items,
		life:    life,
		dispose: dispose,
		metrics: metricsOrDefault(m),
	}
}

// Send queues a copy of msg, waiting for room.
func (c *MemoryChannel) Send(ctx context.Context, msg []byte) error {
	if err := c.put(ctx, append([]byte(nil), msg...)); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(backendMemory).Inc()
	c.metrics.BytesSent.WithLabelValues(backendMemory).Add(float64(len(msg)))
	return nil
}

// SendMessages sends msg count times and returns how many were queued.
func (c *MemoryChannel) SendMessages(ctx context.Context, msg []byte, count int) (int, error) {
	for i := 0; i < count; i++ {
		if err := c.Send(ctx, msg); err != nil {
			return i, err
		}
	}
	return count, nil
}

// CloseSend marks the end of the stream. Receivers drain what was queued before it and stop.
func (c *MemoryChannel) CloseSend(ctx context.Context) error {
	return c.put(ctx, endOfStream{})
}

// acquire takes one token from s, giving up when ctx ends or the channel is disposed.
func (c *MemoryChannel) acquire(ctx context.Context, s *semaphore.Weighted) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()
	if err := s.Acquire(ctx, 1); err != nil {
		if c.life.Err() != nil {
			return ErrDisposed
		}
		return err
	}
	if c.life.Err() != nil {
		s.Release(1)
		return ErrDisposed
	}
	return nil
}

// offer queues item into a slot already reserved by the caller and publishes it.
func (c *MemoryChannel) offer(item any) error {
	if err := c.rb.Put(item); err != nil {
		if errors.Is(err, queue.ErrDisposed) {
			return ErrDisposed
		}
		return err
	}
	c.items.Release(1)
	return nil
}

func (c *MemoryChannel) put(ctx context.Context, item any) error {
	if err := c.acquire(ctx, c.slots); err != nil {
		return err
	}
	if err := c.offer(item); err != nil {
		c.slots.Release(1)
		return err
	}
	return nil
}

// Receive calls fn for every message until the end of the stream.
func (c *MemoryChannel) Receive(ctx context.Context, fn Handler) (int, error) {
	var n int
	for {
		if err := c.acquire(ctx, c.items); err != nil {
			return n, err
		}
		// An item token guarantees a published item.
		item, err := c.rb.Get()
		if errors.Is(err, queue.ErrDisposed) {
			return n, ErrDisposed
		}
		if err != nil {
			return n, err
		}
		msg, ok := item.([]byte)
		if !ok {
			// Leave the marker, in the slot it already holds, for any other receiver.
			if err := c.offer(item); err != nil && !errors.Is(err, ErrDisposed) {
				return n, err
			}
			return n, nil
		}
		c.slots.Release(1)
		n++
		c.metrics.MessagesReceived.WithLabelValues(backendMemory).Inc()
		if err := fn(msg); err != nil {
			return n, err
		}
	}
}

// Len returns the number of queued items, the end marker included.
func (c *MemoryChannel) Len() uint64 { return c.rb.Len() }

// Cap returns the capacity of the channel.
func (c *MemoryChannel) Cap() uint64 { return c.rb.Cap() }

// Dispose releases every blocked sender and receiver with ErrDisposed.
func (c *MemoryChannel) Dispose() {
	c.dispose()
	c.rb.Dispose()
}
