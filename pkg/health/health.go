// Package health exposes liveness and readiness of the running transport sessions over HTTP.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/pcipc/pkg/lifecycle"
)

const (
	// DefaultMaxGoroutines fails liveness when exceeded.
	DefaultMaxGoroutines = 10000

	checkTimeout = time.Second
)

// ErrNoSessions is reported by the readiness check while no session is registered.
var ErrNoSessions = errors.New("no active session")

// StatesFunc returns the state of every live session by ID.
type StatesFunc func() map[string]lifecycle.State

// Option configures a Provider.
type Option func(*options)

type options struct {
	states        StatesFunc
	dirs          []string
	maxGoroutines int
	registry      prometheus.Registerer
	namespace     string
}

// WithStates adds a readiness check over the sessions returned by fn.
func WithStates(fn StatesFunc) Option {
	return func(o *options) { o.states = fn }
}

// WithDir adds a readiness check that dir exists and is a directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dirs = append(o.dirs, dir) }
}

// WithMaxGoroutines sets the liveness goroutine threshold.
func WithMaxGoroutines(n int) Option {
	return func(o *options) { o.maxGoroutines = n }
}

// WithMetrics publishes check results as prometheus gauges under namespace.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(o *options) {
		o.registry = reg
		o.namespace = namespace
	}
}

// Provider serves /live and /ready.
type Provider struct {
	handler healthcheck.Handler
}

// NewProvider builds a Provider from opts.
func NewProvider(opts ...Option) *Provider {
	o := options{maxGoroutines: DefaultMaxGoroutines}
	for _, opt := range opts {
		opt(&o)
	}
	var h healthcheck.Handler
	if o.registry != nil {
		h = healthcheck.NewMetricsHandler(o.registry, o.namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(o.maxGoroutines))
	for _, dir := range o.dirs {
		h.AddReadinessCheck("dir:"+dir, healthcheck.Timeout(DirCheck(dir), checkTimeout))
	}
	if o.states != nil {
		h.AddReadinessCheck("sessions", SessionsCheck(o.states))
	}
	return &Provider{handler: h}
}

// Handler returns the HTTP handler serving /live and /ready.
func (p *Provider) Handler() http.Handler { return p.handler }

// ServeHTTP implements http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// SessionsCheck fails when no session is registered or when any session is past Active.
func SessionsCheck(fn StatesFunc) healthcheck.Check {
	return func() error {
		states := fn()
		if len(states) == 0 {
			return ErrNoSessions
		}
		var bad []string
		for id, st := range states {
			if st > lifecycle.Active {
				bad = append(bad, id+"="+st.String())
			}
		}
		if len(bad) > 0 {
			sort.Strings(bad)
			return fmt.Errorf("sessions shutting down: %s", strings.Join(bad, ","))
		}
		return nil
	}
}

// DirCheck fails when dir is missing or not a directory.
func DirCheck(dir string) healthcheck.Check {
	return func() error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
}
