package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/pcipc/internal/metrics"
)

func TestMemoryChannelDrainsThenStops(t *testing.T) {
	c := NewMemoryChannel(8, metrics.New(nil))
	ctx := context.Background()

	n, err := c.SendMessages(ctx, []byte("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.NoError(t, c.CloseSend(ctx))
	assert.Equal(t, uint64(6), c.Len())

	var got []string
	n, err = c.Receive(ctx, func(msg []byte) error {
		got = append(got, string(msg))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, got, 5)
}

func TestMemoryChannelCopiesMessages(t *testing.T) {
	c := NewMemoryChannel(2, nil)
	ctx := context.Background()
	msg := []byte("abc")
	require.NoError(t, c.Send(ctx, msg))
	msg[0] = 'x'
	require.NoError(t, c.CloseSend(ctx))

	_, err := c.Receive(ctx, func(got []byte) error {
		assert.Equal(t, "abc", string(got))
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryChannelSendWaitsForRoom(t *testing.T) {
	c := NewMemoryChannel(2, metrics.New(nil))
	ctx := context.Background()
	for i := uint64(0); i < c.Cap(); i++ {
		require.NoError(t, c.Send(ctx, []byte("fill")))
	}
	short, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(short, []byte("overflow")), context.DeadlineExceeded)
}

func TestMemoryChannelConcurrentProducers(t *testing.T) {
	const producers, each = 4, 100
	c := NewMemoryChannel(4, metrics.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				assert.NoError(t, c.Send(ctx, []byte(fmt.Sprintf("%d:%d", p, i))))
			}
		}(p)
	}
	go func() {
		wg.Wait()
		assert.NoError(t, c.CloseSend(ctx))
	}()

	next := make([]int, producers)
	n, err := c.Receive(ctx, func(msg []byte) error {
		var p, i int
		_, err := fmt.Sscanf(string(msg), "%d:%d", &p, &i)
		require.NoError(t, err)
		assert.Equal(t, next[p], i)
		next[p]++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, producers*each, n)
}

func TestMemoryChannelEndMarkerReachesEveryReceiver(t *testing.T) {
	c := NewMemoryChannel(4, metrics.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.CloseSend(ctx))

	for i := 0; i < 2; i++ {
		n, err := c.Receive(ctx, func([]byte) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
}

func TestMemoryChannelDispose(t *testing.T) {
	c := NewMemoryChannel(4, metrics.New(nil))
	done := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background(), func([]byte) error { return nil })
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Dispose()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver not released")
	}
	assert.ErrorIs(t, c.Send(context.Background(), []byte("late")), ErrDisposed)
}

func TestMemoryChannelReceiveHonorsContext(t *testing.T) {
	c := NewMemoryChannel(4, metrics.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx, func([]byte) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryChannelBlockedSenderWakesOnRoom(t *testing.T) {
	c := NewMemoryChannel(2, metrics.New(nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := uint64(0); i < c.Cap(); i++ {
		require.NoError(t, c.Send(ctx, []byte("fill")))
	}

	sent := make(chan error, 1)
	go func() { sent <- c.Send(ctx, []byte("late")) }()
	select {
	case err := <-sent:
		t.Fatalf("send on a full channel returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	var got []string
	go func() {
		assert.NoError(t, <-sent)
		assert.NoError(t, c.CloseSend(ctx))
	}()
	n, err := c.Receive(ctx, func(msg []byte) error {
		got = append(got, string(msg))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int(c.Cap())+1, n)
	assert.Equal(t, "late", got[len(got)-1])
}

func TestMemoryChannelDisposeReleasesBlockedSender(t *testing.T) {
	c := NewMemoryChannel(1, metrics.New(nil))
	ctx := context.Background()
	for i := uint64(0); i < c.Cap(); i++ {
		require.NoError(t, c.Send(ctx, []byte("fill")))
	}
	sent := make(chan error, 1)
	go func() { sent <- c.Send(ctx, []byte("blocked")) }()
	time.Sleep(20 * time.Millisecond)
	c.Dispose()
	select {
	case err := <-sent:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(5 * time.Second):
		t.Fatal("sender not released")
	}
}
