package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	attempts, notified := 0, 0
	p := RetryPolicy{Interval: time.Millisecond}
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		return nil
	}, func(error, time.Duration) { notified++ })
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, notified)
}

func TestRetryPolicyMaxAttempts(t *testing.T) {
	attempts := 0
	p := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 4}
	err := p.Do(context.Background(), func() error {
		attempts++
		return assert.AnError
	}, nil)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 4, attempts)
}

func TestRetryPolicyDeadline(t *testing.T) {
	p := RetryPolicy{Interval: 10 * time.Millisecond, Deadline: 50 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), func() error { return assert.AnError }, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetryPolicyPermanent(t *testing.T) {
	attempts := 0
	stop := errors.New("stop")
	err := DefaultRetryPolicy().Do(context.Background(), func() error {
		attempts++
		return backoff.Permanent(stop)
	}, nil)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicyContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryPolicy{}.Do(ctx, func() error { return assert.AnError }, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DefaultRetryInterval, DefaultRetryPolicy().Interval)
}
