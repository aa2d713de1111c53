package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryInterval is the pause between connection attempts.
const DefaultRetryInterval = time.Second

// RetryPolicy bounds how a producer waits for its consumer. Zero MaxAttempts and Deadline
// retry until the context ends.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts uint64
	Deadline    time.Duration
}

// DefaultRetryPolicy retries every second, forever.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: DefaultRetryInterval}
}

// Do runs op until it succeeds, returns a backoff.Permanent error, or the policy gives up.
// notify, if set, is called after every failed attempt that will be retried.
func (p RetryPolicy) Do(ctx context.Context, op func() error, notify func(err error, next time.Duration)) error {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
