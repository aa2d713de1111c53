package session

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/metrics"
	"github.com/srediag/pcipc/pkg/lifecycle"
	"github.com/srediag/pcipc/pkg/sem"
	"github.com/srediag/pcipc/pkg/transport"
)

type SessionTestSuite struct {
	suite.Suite
	dir  string
	sock string
	ctx  context.Context
	m    *metrics.Metrics
}

func (s *SessionTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	sockDir, err := os.MkdirTemp("", "pcipc")
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = os.RemoveAll(sockDir) })
	s.sock = filepath.Join(sockDir, "pc.sock")
	s.m = metrics.New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	s.T().Cleanup(cancel)
	s.ctx = ctx
}

func (s *SessionTestSuite) config(role Role, backend Backend) Config {
	c := DefaultConfig()
	c.Role = role
	c.Backend = backend
	c.Dir = s.dir
	c.SocketPath = s.sock
	c.PollInterval = time.Millisecond
	c.IdleTimeout = 50 * time.Millisecond
	c.IdleRounds = 2
	c.Retry = transport.RetryPolicy{Interval: 10 * time.Millisecond}
	if role == RoleProducer {
		c.Message = "hello world"
		c.Capacity = 5
	}
	return c
}

func (s *SessionTestSuite) options(extra ...Option) []Option {
	return append([]Option{WithMetrics(s.m), WithLogger(zap.NewNop())}, extra...)
}

func (s *SessionTestSuite) semFiles() []string {
	mutex, empty, full := sem.Names(DefaultConfig().SemPrefix)
	return []string{sem.Path(s.dir, mutex), sem.Path(s.dir, empty), sem.Path(s.dir, full)}
}

func (s *SessionTestSuite) TestSHMConsumerAfterProducer() {
	producer, err := New(s.ctx, s.config(RoleProducer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	st, err := producer.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, st.Sent)

	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	s.Equal(uint32(5), consumer.Capacity())
	s.Require().NoError(producer.Close())
	s.FileExists(SegmentPath(consumer.Config()))

	st, err = consumer.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, st.Received)
	s.Require().NoError(consumer.Close())

	s.NoFileExists(SegmentPath(consumer.Config()))
	for _, f := range s.semFiles() {
		s.NoFileExists(f)
	}
}

func (s *SessionTestSuite) TestSHMConsumerStartsAfterProducerClosed() {
	producer, err := New(s.ctx, s.config(RoleProducer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	_, err = producer.Run(s.ctx)
	s.Require().NoError(err)
	s.Require().NoError(producer.Close())
	s.FileExists(SegmentPath(producer.Config()))

	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	s.Equal(uint32(5), consumer.Capacity())
	st, err := consumer.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, st.Received)
	s.Require().NoError(consumer.Close())

	s.NoFileExists(SegmentPath(consumer.Config()))
	for _, f := range s.semFiles() {
		s.NoFileExists(f)
	}
}

func (s *SessionTestSuite) TestSHMConcurrentProducerAndConsumer() {
	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	defer consumer.Close()

	cfg := s.config(RoleProducer, BackendSHM)
	cfg.Count = 40
	producer, err := New(s.ctx, cfg, s.options()...)
	s.Require().NoError(err)
	defer producer.Close()
	// The consumer created the segment with the default depth; asking for less keeps it.
	s.Equal(uint32(10), producer.Capacity())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := producer.Run(s.ctx)
		s.NoError(err)
	}()
	st, err := consumer.Run(s.ctx)
	wg.Wait()
	s.Require().NoError(err)
	s.Equal(40, st.Received)
}

func (s *SessionTestSuite) TestSocketRoundTrip() {
	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendSocket), s.options()...)
	s.Require().NoError(err)

	var (
		wg       sync.WaitGroup
		received Stats
		rerr     error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		received, rerr = consumer.Run(s.ctx)
	}()

	cfg := s.config(RoleProducer, BackendSocket)
	cfg.Count = 3
	producer, err := New(s.ctx, cfg, s.options()...)
	s.Require().NoError(err)
	for _, f := range s.semFiles() {
		s.FileExists(f)
	}
	st, err := producer.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, st.Sent)
	s.Require().NoError(producer.Close())
	for _, f := range s.semFiles() {
		s.NoFileExists(f)
	}

	wg.Wait()
	s.Require().NoError(rerr)
	s.Equal(3, received.Received)
	s.Require().NoError(consumer.Close())
	s.NoFileExists(s.sock)
}

func (s *SessionTestSuite) TestSocketProducerGivesUp() {
	cfg := s.config(RoleProducer, BackendSocket)
	cfg.Retry = transport.RetryPolicy{Interval: time.Millisecond, MaxAttempts: 2}
	producer, err := New(s.ctx, cfg, s.options()...)
	s.Require().NoError(err)
	defer producer.Close()

	_, err = producer.Run(s.ctx)
	s.Equal(KindIO, KindOf(err))
}

func (s *SessionTestSuite) TestMemoryBackend() {
	ch := transport.NewMemoryChannel(4, s.m)
	var echo bytes.Buffer

	pcfg := s.config(RoleProducer, BackendMemory)
	pcfg.Count = 10
	pcfg.Echo = true
	producer, err := New(s.ctx, pcfg, s.options(WithMemoryChannel(ch), WithEcho(&echo))...)
	s.Require().NoError(err)
	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendMemory), s.options(WithMemoryChannel(ch))...)
	s.Require().NoError(err)
	s.Equal(uint32(4), consumer.Capacity())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := producer.Run(s.ctx)
		s.NoError(err)
	}()
	st, err := consumer.Run(s.ctx)
	wg.Wait()
	s.Require().NoError(err)
	s.Equal(10, st.Received)
	s.Equal(10, strings.Count(echo.String(), "Produced: hello world\n"))
	s.NoError(producer.Close())
	s.NoError(consumer.Close())

	_, err = New(s.ctx, s.config(RoleConsumer, BackendMemory), s.options()...)
	s.Equal(KindUsage, KindOf(err))
}

func (s *SessionTestSuite) TestRunProducersFanOut() {
	consumer, err := New(s.ctx, s.config(RoleConsumer, BackendSHM), s.options()...)
	s.Require().NoError(err)

	var (
		wg       sync.WaitGroup
		received Stats
		rerr     error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		received, rerr = consumer.Run(s.ctx)
	}()

	cfg := s.config(RoleProducer, BackendSHM)
	cfg.Capacity = 4
	cfg.Count = 6
	st, err := RunProducers(s.ctx, cfg, 3, s.options()...)
	s.Require().NoError(err)
	s.Equal(18, st.Sent)

	wg.Wait()
	s.Require().NoError(rerr)
	s.Equal(18, received.Received)
	s.Require().NoError(consumer.Close())
	s.NoFileExists(SegmentPath(cfg))

	_, err = RunProducers(s.ctx, cfg, 0)
	s.Equal(KindUsage, KindOf(err))
}

func (s *SessionTestSuite) TestStateMachineAndRegistry() {
	reg := NewRegistry()
	ch := transport.NewMemoryChannel(8, s.m)
	cfg := s.config(RoleProducer, BackendMemory)
	cfg.SkipDone = true
	sess, err := New(s.ctx, cfg, s.options(WithRegistry(reg), WithMemoryChannel(ch))...)
	s.Require().NoError(err)
	s.NotEmpty(sess.ID())
	s.Equal(lifecycle.Initializing, sess.State())
	got, ok := reg.Get(sess.ID())
	s.True(ok)
	s.Same(sess, got)

	_, err = sess.Run(s.ctx)
	s.Require().NoError(err)
	s.Equal(lifecycle.Active, sess.State())
	s.Equal(map[string]lifecycle.State{sess.ID(): lifecycle.Active}, reg.States())
	s.Equal(uint64(5), ch.Len())

	_, err = sess.Run(s.ctx)
	s.Equal(KindUsage, KindOf(err))

	s.Require().NoError(sess.SignalDone(s.ctx))
	s.Require().NoError(reg.CloseAll())
	s.Equal(lifecycle.Closed, sess.State())
	s.Equal(0, reg.Len())
	s.NoError(sess.Close())
}

func (s *SessionTestSuite) TestResourceErrors() {
	cfg := s.config(RoleProducer, BackendSHM)
	cfg.Dir = filepath.Join(s.dir, "missing")
	_, err := New(s.ctx, cfg, s.options()...)
	s.Require().Error(err)
	s.Equal(KindResource, KindOf(err))

	cfg = s.config(RoleProducer, BackendSocket)
	cfg.Dir = filepath.Join(s.dir, "missing")
	_, err = New(s.ctx, cfg, s.options()...)
	s.Equal(KindResource, KindOf(err))
}

func (s *SessionTestSuite) TestPurge() {
	producer, err := New(s.ctx, s.config(RoleProducer, BackendSHM), s.options()...)
	s.Require().NoError(err)
	// Simulate a crash: the session is never closed.
	cfg := producer.Config()
	cfg.SocketPath = s.sock
	s.FileExists(SegmentPath(cfg))

	s.Require().NoError(Purge(cfg))
	s.NoFileExists(SegmentPath(cfg))
	for _, f := range s.semFiles() {
		s.NoFileExists(f)
	}
	s.Require().NoError(Purge(cfg))
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
