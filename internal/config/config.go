// Package config loads transport defaults from PCIPC_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "PCIPC"

// Config holds all process configuration. Variables are named PCIPC_<SECTION>_<FIELD>,
// e.g. PCIPC_SHM_SEGMENT_NAME, PCIPC_SOCKET_IDLE_ROUNDS, PCIPC_LOG_LEVEL.
type Config struct {
	SHM    SHMConfig
	Socket SocketConfig
	Log    LogConfig
	Admin  AdminConfig
}

// SHMConfig holds shared memory and semaphore settings.
type SHMConfig struct {
	// Dir holds the segment and semaphore files; empty means /dev/shm when available.
	Dir          string
	SegmentName  string        `split_words:"true" default:"pcipc_queue"`
	SemPrefix    string        `split_words:"true" default:"pcipc"`
	SlotSize     int           `split_words:"true" default:"2048"`
	PollInterval time.Duration `split_words:"true" default:"10ms"`
}

// SocketConfig holds socket channel settings.
type SocketConfig struct {
	Path             string        `default:"/tmp/producer_consumer_socket"`
	RetryInterval    time.Duration `split_words:"true" default:"1s"`
	RetryMaxAttempts uint64        `split_words:"true" default:"0"`
	RetryDeadline    time.Duration `split_words:"true" default:"0s"`
	IdleTimeout      time.Duration `split_words:"true" default:"1s"`
	IdleRounds       int           `split_words:"true" default:"3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `default:"warn"`
	Dev   bool   `default:"false"`
}

// AdminConfig holds the health/metrics HTTP endpoint settings.
type AdminConfig struct {
	Addr string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		SHM: SHMConfig{
			SegmentName:  "pcipc_queue",
			SemPrefix:    "pcipc",
			SlotSize:     2048,
			PollInterval: 10 * time.Millisecond,
		},
		Socket: SocketConfig{
			Path:          "/tmp/producer_consumer_socket",
			RetryInterval: time.Second,
			IdleTimeout:   time.Second,
			IdleRounds:    3,
		},
		Log: LogConfig{
			Level: "warn",
		},
	}
}
