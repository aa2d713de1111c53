/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command pcipc runs one producer or consumer over a Unix socket, a shared memory ring or,
// for demonstrations, an in-process channel.
//
//	pcipc -c -s                 # consumer on the shared memory ring
//	pcipc -p -s -m hello -q 5   # producer sending "hello" 5 times
//	pcipc -p -u -m hello -q 5 -e
//	pcipc -memory -m hello -q 4 -n 3 -e
//	pcipc -cleanup
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/srediag/pcipc/internal/config"
	"github.com/srediag/pcipc/internal/logging"
	"github.com/srediag/pcipc/internal/metrics"
	ishm "github.com/srediag/pcipc/internal/shm"
	"github.com/srediag/pcipc/pkg/health"
	"github.com/srediag/pcipc/pkg/session"
	"github.com/srediag/pcipc/pkg/shm"
	"github.com/srediag/pcipc/pkg/transport"
)

const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	usageSummary = "usage: pcipc [-p | -c] [-u | -s | -memory] [-m message] [-q depth] [-e] [-n producers]"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	logging.Sync()
	os.Exit(code)
}

type flags struct {
	producer, consumer     bool
	socket, shared, memory bool
	message                string
	depth                  int
	echo                   bool
	producers              int
	count                  int
	delay                  time.Duration
	dir                    string
	logLevel               string
	admin                  string
	cleanup, describe      bool
	noGrow                 bool
}

func parse(args []string, stderr io.Writer, env *config.Config) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("pcipc", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, usageSummary)
		fs.PrintDefaults()
	}
	fs.BoolVar(&f.producer, "p", false, "run as producer")
	fs.BoolVar(&f.consumer, "c", false, "run as consumer")
	fs.BoolVar(&f.socket, "u", false, "use the Unix socket transport")
	fs.BoolVar(&f.shared, "s", false, "use the shared memory transport")
	fs.BoolVar(&f.memory, "memory", false, "run producers and a consumer in this process")
	fs.StringVar(&f.message, "m", "", "message to send (producer)")
	fs.IntVar(&f.depth, "q", 0, "queue depth; a producer sends this many messages unless -count is set")
	fs.BoolVar(&f.echo, "e", false, "print every produced and consumed message")
	fs.IntVar(&f.producers, "n", 1, "number of concurrent producers")
	fs.IntVar(&f.count, "count", 0, "messages per producer (default: the queue depth)")
	fs.DurationVar(&f.delay, "delay", 0, "pause after every produced message")
	fs.StringVar(&f.dir, "dir", env.SHM.Dir, "directory of the segment and semaphores")
	fs.StringVar(&f.logLevel, "log-level", env.Log.Level, "log level: debug, info, warn or error")
	fs.StringVar(&f.admin, "admin", env.Admin.Addr, "serve /live, /ready and /metrics on this address")
	fs.BoolVar(&f.cleanup, "cleanup", false, "remove the segment, semaphores and socket left by crashed runs")
	fs.BoolVar(&f.describe, "describe", false, "print the shared segment and exit")
	fs.BoolVar(&f.noGrow, "no-grow", false, "never grow a live segment to the requested depth")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return f, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	f, err := parse(args, stderr, env)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	logging.SetDevelopment(env.Log.Dev)
	if err := logging.SetLevelString(f.logLevel); err != nil {
		fmt.Fprintf(stderr, "invalid log level %q\n", f.logLevel)
		return exitUsage
	}
	log := logging.Named("cli")

	base := session.FromConfig(env)
	base.Dir = f.dir

	switch {
	case f.cleanup:
		return report(stderr, session.Purge(base))
	case f.describe:
		return report(stderr, shm.Describe(stdout, session.SegmentPath(base)))
	}

	cfg, err := buildConfig(base, f)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, usageSummary)
		return exitUsage
	}

	reg := session.NewRegistry()
	if f.admin != "" {
		shutdown, err := serveAdmin(f.admin, reg, cfg, log)
		if err != nil {
			return report(stderr, err)
		}
		defer shutdown()
	}
	opts := []session.Option{session.WithRegistry(reg), session.WithEcho(&syncWriter{w: stdout})}

	if f.memory {
		err = runMemory(ctx, cfg, f.producers, opts)
	} else {
		err = runOne(ctx, cfg, f.producers, opts)
	}
	if cerr := reg.CloseAll(); err == nil {
		err = cerr
	}
	return report(stderr, err)
}

func buildConfig(cfg session.Config, f *flags) (session.Config, error) {
	switch {
	case f.memory && (f.socket || f.shared), f.socket && f.shared:
		return cfg, errors.New("choose exactly one of -u, -s and -memory")
	case f.socket:
		cfg.Backend = session.BackendSocket
	case f.shared:
		cfg.Backend = session.BackendSHM
	case f.memory:
		cfg.Backend = session.BackendMemory
	default:
		return cfg, errors.New("one of -u, -s or -memory is required")
	}
	switch {
	case f.producer && f.consumer:
		return cfg, errors.New("choose one of -p and -c")
	case f.producer:
		cfg.Role = session.RoleProducer
	case f.consumer:
		cfg.Role = session.RoleConsumer
	case f.memory:
		// Both roles run in this process; validate as the producer.
		cfg.Role = session.RoleProducer
	default:
		return cfg, errors.New("one of -p or -c is required")
	}
	if f.depth < 0 || f.count < 0 || f.producers < 1 {
		return cfg, errors.New("-q, -count and -n must be positive")
	}
	if f.producers > 1 && cfg.Role != session.RoleProducer {
		return cfg, errors.New("-n applies to producers only")
	}
	cfg.Message = f.message
	cfg.Capacity = uint32(f.depth)
	cfg.Count = f.count
	cfg.Echo = f.echo
	cfg.Delay = f.delay
	if f.noGrow {
		cfg.GrowthPolicy = shm.GrowNever
	}
	return cfg, cfg.Validate()
}

func runOne(ctx context.Context, cfg session.Config, producers int, opts []session.Option) error {
	if producers > 1 {
		_, err := session.RunProducers(ctx, cfg, producers, opts...)
		return err
	}
	s, err := session.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	_, err = s.Run(ctx)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

// runMemory runs the producers and one consumer over a shared in-process channel.
func runMemory(ctx context.Context, cfg session.Config, producers int, opts []session.Option) error {
	ch := transport.NewMemoryChannel(uint64(cfg.Capacity), metrics.Default())
	opts = append(opts, session.WithMemoryChannel(ch))

	ccfg := cfg
	ccfg.Role = session.RoleConsumer
	consumer, err := session.New(ctx, ccfg, opts...)
	if err != nil {
		return err
	}
	var (
		wg   sync.WaitGroup
		rerr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, rerr = consumer.Run(ctx)
	}()

	_, perr := session.RunProducers(ctx, cfg, producers, opts...)
	if perr != nil {
		ch.Dispose()
	}
	wg.Wait()
	if perr != nil {
		return perr
	}
	if rerr != nil {
		return rerr
	}
	return consumer.Close()
}

func serveAdmin(addr string, reg *session.Registry, cfg session.Config, log *zap.Logger) (func(), error) {
	opts := []health.Option{
		health.WithStates(reg.States),
		health.WithMetrics(prometheus.DefaultRegisterer, "pcipc"),
	}
	if cfg.Backend == session.BackendSHM {
		dir := cfg.Dir
		if dir == "" {
			dir = ishm.DefaultDir()
		}
		opts = append(opts, health.WithDir(dir))
	}
	provider := health.NewProvider(opts...)

	mux := http.NewServeMux()
	mux.Handle("/live", provider)
	mux.Handle("/ready", provider)
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("admin endpoint %s: %w", addr, err)
	case <-time.After(50 * time.Millisecond):
	}
	log.Info("admin endpoint listening", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// syncWriter serializes echo lines of sessions running side by side.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

// report prints err and maps it to an exit code.
func report(stderr io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(stderr, "pcipc:", err)
	if session.KindOf(err) == session.KindUsage {
		return exitUsage
	}
	return exitFailure
}
