package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/srediag/pcipc/internal/config"
	"github.com/srediag/pcipc/pkg/shm"
	"github.com/srediag/pcipc/pkg/transport"
)

// Role of a session.
type Role int

const (
	RoleUnset Role = iota
	RoleProducer
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unset"
	}
}

// Backend selects the transport.
type Backend string

const (
	BackendSocket Backend = "socket"
	BackendSHM    Backend = "shm"
	BackendMemory Backend = "memory"
)

// ParseBackend accepts the backend names and their long forms.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "socket", "unix", "u":
		return BackendSocket, nil
	case "shm", "shared-memory", "s":
		return BackendSHM, nil
	case "memory", "mem":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// Config describes one session.
type Config struct {
	Role    Role
	Backend Backend
	// Message sent Count times by a producer.
	Message string
	// Count defaults to Capacity.
	Count int
	// Capacity is the queue depth. An shm consumer may leave it zero to adopt the live depth.
	Capacity uint32
	// Echo reports every produced and consumed message.
	Echo bool
	// Delay pauses a producer after every message.
	Delay time.Duration

	SegmentName string
	SemPrefix   string
	SocketPath  string
	// Dir holds the segment and the semaphores; empty means /dev/shm when available.
	Dir          string
	SlotSize     uint32
	PollInterval time.Duration
	IdleTimeout  time.Duration
	IdleRounds   int
	Retry        transport.RetryPolicy
	GrowthPolicy shm.GrowthPolicy
	// SkipDone leaves completion to an explicit SignalDone, for fan-out.
	SkipDone bool
}

// FromConfig fills the backend settings from the environment configuration.
func FromConfig(c *config.Config) Config {
	return Config{
		SegmentName:  c.SHM.SegmentName,
		SemPrefix:    c.SHM.SemPrefix,
		Dir:          c.SHM.Dir,
		SlotSize:     uint32(c.SHM.SlotSize),
		PollInterval: c.SHM.PollInterval,
		SocketPath:   c.Socket.Path,
		IdleTimeout:  c.Socket.IdleTimeout,
		IdleRounds:   c.Socket.IdleRounds,
		Retry: transport.RetryPolicy{
			Interval:    c.Socket.RetryInterval,
			MaxAttempts: c.Socket.RetryMaxAttempts,
			Deadline:    c.Socket.RetryDeadline,
		},
	}
}

// DefaultConfig returns the settings of config.Default with no role or backend.
func DefaultConfig() Config {
	return FromConfig(config.Default())
}

// Validate reports bad combinations as KindUsage errors.
func (c Config) Validate() error {
	const op = "validate"
	switch c.Role {
	case RoleProducer, RoleConsumer:
	default:
		return usageError(op, "exactly one role (producer or consumer) is required")
	}
	switch c.Backend {
	case BackendSocket, BackendSHM, BackendMemory:
	case "":
		return usageError(op, "exactly one transport (socket, shm or memory) is required")
	default:
		return usageError(op, "unknown transport %q", c.Backend)
	}
	if c.Role == RoleProducer {
		if c.Message == "" {
			return usageError(op, "producer needs a message")
		}
		if c.Capacity == 0 {
			return usageError(op, "producer needs a queue depth")
		}
	}
	if c.Count < 0 {
		return usageError(op, "negative message count %d", c.Count)
	}
	if c.Backend == BackendSHM {
		if c.SegmentName == "" || strings.ContainsRune(c.SegmentName, '/') {
			return usageError(op, "invalid segment name %q", c.SegmentName)
		}
		if c.SlotSize == 1 {
			return usageError(op, "slot size must leave room for the terminating NUL")
		}
	}
	if c.Backend != BackendMemory && (c.SemPrefix == "" || strings.ContainsRune(c.SemPrefix, '/')) {
		return usageError(op, "invalid semaphore prefix %q", c.SemPrefix)
	}
	if c.Backend == BackendSocket && c.SocketPath == "" {
		return usageError(op, "socket path is required")
	}
	return nil
}

func (c Config) count() int {
	if c.Count > 0 {
		return c.Count
	}
	return int(c.Capacity)
}
