// File: control/config.go
// Author: momentics <momentics@gmail.com>
//
// Typed transport configuration decoded from TOML, with defaults that
// match a single-switch datacenter deployment.

package control

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

// Config carries the tunable parameters of a transport instance.
type Config struct {
	// Bind is the driver endpoint, e.g. "0.0.0.0:10400" for UDP.
	Bind string `toml:"bind"`

	// PollBatchSize bounds packets drained from the driver per poll.
	PollBatchSize int `toml:"poll_batch_size"`

	// UnscheduledByteLimit is the credit granted to a new outbound
	// message before the first GRANT arrives.
	UnscheduledByteLimit uint32 `toml:"unscheduled_byte_limit"`

	// RTTMicros is the assumed round-trip time in microseconds, used
	// to size grant windows.
	RTTMicros int64 `toml:"rtt_micros"`

	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string `toml:"log_level"`
}

// RTT returns the configured round-trip time.
func (c *Config) RTT() time.Duration {
	return time.Duration(c.RTTMicros) * time.Microsecond
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Bind:                 "0.0.0.0:10400",
		PollBatchSize:        32,
		UnscheduledByteLimit: 10000,
		RTTMicros:            8,
		LogLevel:             "info",
	}
}

// Load decodes a TOML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyLogLevel sets the logger level from the config, leaving the
// level untouched when the name does not parse.
func (c *Config) ApplyLogLevel(log *logrus.Logger) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("log_level", c.LogLevel).Warn("unknown log level")
		return
	}
	log.SetLevel(level)
}
