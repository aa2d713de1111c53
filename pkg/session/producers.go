package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/logging"
)

// RunProducers runs n producer sessions of cfg concurrently, each sending cfg.Count
// messages, then signals completion once and closes them. Sessions stay attached until every
// producer finished, so a consumer that attaches late still finds the segment.
func RunProducers(ctx context.Context, cfg Config, n int, opts ...Option) (Stats, error) {
	if n < 1 {
		return Stats{}, usageError("run producers", "need at least one producer, got %d", n)
	}
	cfg.Role = RoleProducer
	cfg.SkipDone = true
	if err := cfg.Validate(); err != nil {
		return Stats{}, err
	}

	log := logging.Named("producers")
	pool, err := ants.NewPool(n, ants.WithPanicHandler(func(p any) {
		log.Error("producer panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return Stats{}, resourceError("run producers", err)
	}
	defer pool.Release()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		sessions []*Session
		errs     []error
		total    Stats
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			s, err := New(ctx, cfg, opts...)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			st, err := s.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			sessions = append(sessions, s)
			total.Sent += st.Sent
			if st.Duration > total.Duration {
				total.Duration = st.Duration
			}
			if err != nil {
				errs = append(errs, err)
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, resourceError("run producers", fmt.Errorf("submit producer %d: %w", i, err)))
			mu.Unlock()
		}
	}
	wg.Wait()

	if len(sessions) > 0 {
		if err := sessions[0].SignalDone(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log.Debug("producers finished", zap.Int("producers", n), zap.Int("sent", total.Sent))
	return total, errors.Join(errs...)
}
