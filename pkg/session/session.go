package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/logging"
	"github.com/srediag/pcipc/internal/metrics"
	ishm "github.com/srediag/pcipc/internal/shm"
	"github.com/srediag/pcipc/pkg/lifecycle"
	"github.com/srediag/pcipc/pkg/sem"
	"github.com/srediag/pcipc/pkg/shm"
	"github.com/srediag/pcipc/pkg/transport"
)

// maxStaleAttempts bounds how often New reopens a semaphore set unlinked under it.
const maxStaleAttempts = 8

// Stats summarizes one Run.
type Stats struct {
	Sent     int
	Received int
	Duration time.Duration
}

// Option configures a Session.
type Option func(*options)

type options struct {
	mem      *transport.MemoryChannel
	registry *Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
	echo     io.Writer
}

// WithMemoryChannel sets the channel of the memory backend. Producers and consumers of one
// stream share it.
func WithMemoryChannel(c *transport.MemoryChannel) Option {
	return func(o *options) { o.mem = c }
}

// WithRegistry registers the session in r until it is closed.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMetrics sets the collectors; the default ones are used otherwise.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEcho writes "Produced: <msg>" and "Consumed: <msg>" lines to w when echo is on,
// instead of logging them at info level. Sessions sharing w must not write concurrently
// unless w is safe for that.
func WithEcho(w io.Writer) Option {
	return func(o *options) { o.echo = w }
}

// Session runs one role over one backend and owns its resources.
type Session struct {
	id    string
	cfg   Config
	opts  options
	state lifecycle.Tracker
	log   *zap.Logger

	set  *sem.Set
	ring *shm.Ring
	mem  *transport.MemoryChannel

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and acquires the backend's resources.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.Backend == BackendMemory && o.mem == nil {
		return nil, usageError("new", "memory backend needs a channel")
	}
	if o.metrics == nil {
		o.metrics = metrics.Default()
	}
	if o.logger == nil {
		o.logger = logging.Named("session")
	}

	s := &Session{id: uuid.NewString(), cfg: cfg, opts: o}
	s.log = o.logger.With(
		zap.String("session", s.id),
		zap.Stringer("role", cfg.Role),
		zap.String("backend", string(cfg.Backend)))

	var err error
	switch cfg.Backend {
	case BackendSHM:
		err = s.attach(ctx)
	case BackendSocket:
		if s.set, err = sem.OpenSet(cfg.SemPrefix, cfg.Capacity, sem.WithDir(cfg.Dir)); err != nil {
			err = resourceError("open semaphores", err)
		}
	case BackendMemory:
		s.mem = o.mem
	}
	if err != nil {
		_, _ = s.state.Advance(lifecycle.Closed)
		return nil, err
	}
	if o.registry != nil {
		o.registry.Add(s)
	}
	o.metrics.SessionsActive.WithLabelValues(cfg.Role.String()).Inc()
	s.log.Debug("session initialized", zap.Uint32("capacity", s.Capacity()))
	return s, nil
}

func (s *Session) attach(ctx context.Context) error {
	ringCfg := shm.Config{
		Name:         s.cfg.SegmentName,
		Dir:          s.cfg.Dir,
		Capacity:     s.cfg.Capacity,
		SlotSize:     s.cfg.SlotSize,
		GrowthPolicy: s.cfg.GrowthPolicy,
		Metrics:      s.opts.metrics,
		Logger:       s.opts.logger.Named("shm"),
	}
	for attempt := 1; ; attempt++ {
		set, err := sem.OpenSet(s.cfg.SemPrefix, s.cfg.Capacity, sem.WithDir(s.cfg.Dir))
		if err != nil {
			return resourceError("open semaphores", err)
		}
		ring, err := shm.CreateOrAttach(ctx, set, ringCfg)
		if err == nil {
			s.set, s.ring = set, ring
			return nil
		}
		_ = set.Close()
		if errors.Is(err, shm.ErrStaleSemaphores) && attempt < maxStaleAttempts {
			s.log.Debug("semaphores unlinked by the last peer, reopening", zap.Int("attempt", attempt))
			continue
		}
		return resourceError("attach segment", err)
	}
}

// ID returns the unique session ID.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() lifecycle.State { return s.state.Load() }

// Config returns the session configuration.
func (s *Session) Config() Config { return s.cfg }

// Ring returns the attached ring of an shm session, nil otherwise.
func (s *Session) Ring() *shm.Ring { return s.ring }

// Capacity returns the queue depth in use: the live segment depth for shm, the channel
// capacity for memory and the configured depth for sockets.
func (s *Session) Capacity() uint32 {
	switch {
	case s.ring != nil:
		return s.ring.Capacity()
	case s.mem != nil:
		return uint32(s.mem.Cap())
	default:
		return s.cfg.Capacity
	}
}

// Run performs the role: a producer sends its messages and, unless SkipDone is set, signals
// completion; a consumer receives until the stream ends. Run may be called once.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	if _, err := s.state.Advance(lifecycle.Active); err != nil {
		return Stats{}, usageError("run", "%v", err)
	}
	start := time.Now()
	var (
		st  Stats
		err error
	)
	if s.cfg.Role == RoleProducer {
		st.Sent, err = s.produce(ctx)
	} else {
		st.Received, err = s.consume(ctx)
	}
	st.Duration = time.Since(start)
	if err != nil {
		s.log.Error("run failed", zap.Error(err), zap.Int("sent", st.Sent), zap.Int("received", st.Received))
		return st, err
	}
	s.log.Info("run finished", zap.Int("sent", st.Sent), zap.Int("received", st.Received), zap.Duration("took", st.Duration))
	return st, nil
}

func (s *Session) produce(ctx context.Context) (int, error) {
	var send func(context.Context, []byte) error
	switch s.cfg.Backend {
	case BackendSHM:
		send = func(ctx context.Context, msg []byte) error {
			if err := s.ring.Enqueue(ctx, msg); err != nil {
				return err
			}
			s.opts.metrics.MessagesSent.WithLabelValues(string(BackendSHM)).Inc()
			s.opts.metrics.BytesSent.WithLabelValues(string(BackendSHM)).Add(float64(len(msg)))
			return nil
		}
	case BackendSocket:
		p := &transport.SocketProducer{
			Addr:    s.cfg.SocketPath,
			Retry:   s.cfg.Retry,
			Metrics: s.opts.metrics,
			Logger:  s.opts.logger.Named("socket"),
		}
		send = p.Send
	case BackendMemory:
		send = s.mem.Send
	}

	msg := []byte(s.cfg.Message)
	n := s.cfg.count()
	for i := 0; i < n; i++ {
		if err := send(ctx, msg); err != nil {
			return i, classify("send", err)
		}
		s.report("Produced", msg)
		if err := sleep(ctx, s.cfg.Delay); err != nil {
			return i + 1, classify("send", err)
		}
	}
	if s.cfg.SkipDone {
		return n, nil
	}
	return n, s.SignalDone(ctx)
}

func (s *Session) consume(ctx context.Context) (int, error) {
	var r transport.Receiver
	switch s.cfg.Backend {
	case BackendSHM:
		r = ringReceiver{ring: s.ring, interval: s.cfg.PollInterval, metrics: s.opts.metrics}
	case BackendSocket:
		c := &transport.SocketConsumer{
			Addr:        s.cfg.SocketPath,
			IdleTimeout: s.cfg.IdleTimeout,
			IdleRounds:  s.cfg.IdleRounds,
			Metrics:     s.opts.metrics,
			Logger:      s.opts.logger.Named("socket"),
		}
		if s.cfg.SlotSize > 1 {
			c.MaxMessageSize = int(s.cfg.SlotSize) - 1
		}
		r = c
	case BackendMemory:
		r = s.mem
	}
	n, err := r.Receive(ctx, func(msg []byte) error {
		s.report("Consumed", msg)
		return nil
	})
	if err != nil {
		return n, classify("receive", err)
	}
	return n, nil
}

// SignalDone tells consumers that this stream is complete. Sockets have no completion
// signal; their consumers stop on the idle heuristic.
func (s *Session) SignalDone(ctx context.Context) error {
	var err error
	switch s.cfg.Backend {
	case BackendSHM:
		err = s.ring.MarkDone(ctx)
	case BackendMemory:
		err = s.mem.CloseSend(ctx)
	}
	if err != nil {
		return classify("signal done", err)
	}
	return nil
}

// Close releases the session's resources. For shm the last session to detach destroys the
// segment and the semaphores unless a finished stream still holds messages for a later
// consumer; otherwise they stay for the remaining peers. A socket producer
// unlinks the semaphores. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close()
	})
	return s.closeErr
}

func (s *Session) close() error {
	_, _ = s.state.Advance(lifecycle.Draining)
	var errs []error
	switch s.cfg.Backend {
	case BackendSHM:
		destroyed, err := s.ring.Detach()
		if err != nil {
			errs = append(errs, err)
		}
		if destroyed {
			s.log.Info("last peer detached, segment removed")
		}
	case BackendSocket:
		if s.cfg.Role == RoleProducer {
			if err := s.set.Unlink(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s.set != nil {
		if err := s.set.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.opts.registry != nil {
		s.opts.registry.Remove(s.id)
	}
	s.opts.metrics.SessionsActive.WithLabelValues(s.cfg.Role.String()).Dec()
	_, _ = s.state.Advance(lifecycle.Closed)
	if err := errors.Join(errs...); err != nil {
		return resourceError("close", err)
	}
	return nil
}

func (s *Session) report(verb string, msg []byte) {
	if !s.cfg.Echo {
		return
	}
	if s.opts.echo == nil {
		s.log.Info(strings.ToLower(verb), zap.ByteString("message", msg))
		return
	}
	fmt.Fprintf(s.opts.echo, "%s: %s\n", verb, msg)
}

// ringReceiver adapts a ring's polling drain to transport.Receiver.
type ringReceiver struct {
	ring     *shm.Ring
	interval time.Duration
	metrics  *metrics.Metrics
}

func (r ringReceiver) Receive(ctx context.Context, fn transport.Handler) (int, error) {
	interval := r.interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return r.ring.Receive(ctx, interval, func(msg []byte) error {
		r.metrics.MessagesReceived.WithLabelValues(string(BackendSHM)).Inc()
		return fn(msg)
	})
}

// classify maps package errors to session error kinds.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, sem.ErrResource),
		errors.Is(err, shm.ErrCorruptSegment),
		errors.Is(err, shm.ErrNoSpace),
		errors.Is(err, shm.ErrDetached):
		return resourceError(op, err)
	default:
		return ioError(op, err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SegmentPath returns the segment file cfg refers to.
func SegmentPath(cfg Config) string {
	dir := cfg.Dir
	if dir == "" {
		dir = ishm.DefaultDir()
	}
	return filepath.Join(dir, cfg.SegmentName)
}

// Purge removes the segment, the semaphores and the socket file left behind by crashed runs.
// Nothing that is missing is an error.
func Purge(cfg Config) error {
	var errs []error
	if cfg.SegmentName != "" {
		if err := ishm.RemoveRegion(SegmentPath(cfg)); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.SemPrefix != "" {
		if err := sem.UnlinkSet(cfg.SemPrefix, sem.WithDir(cfg.Dir)); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.SocketPath != "" {
		if err := transport.RemoveSocket(cfg.SocketPath); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return resourceError("purge", err)
	}
	return nil
}
