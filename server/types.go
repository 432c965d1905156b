// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"time"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/internal/logging"
	"github.com/momentics/wsengine/pool"
	"github.com/momentics/wsengine/protocol"
	"github.com/momentics/wsengine/transport"
)

// EnvPrefix prefixes environment overrides, e.g. WSENGINE_PORT.
const EnvPrefix = "WSENGINE"

// Config holds all server-side configuration parameters.
type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	NoDelay   bool   `mapstructure:"no_delay"`
	ReuseAddr bool   `mapstructure:"reuse_addr"`
	// AcceptCPU pins the accept loop thread to one CPU. -1 disables pinning.
	AcceptCPU int `mapstructure:"accept_cpu"`

	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	// HandshakeTimeout bounds TLS setup plus the upgrade exchange. Zero falls
	// back to ReceiveTimeout.
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	MaxMessageSize      int           `mapstructure:"max_message_size"`
	HandshakeBufferSize int           `mapstructure:"handshake_buffer_size"`
	AllowLargeMessages  bool          `mapstructure:"allow_large_messages"`
	ReplyToPings        bool          `mapstructure:"reply_to_pings"`

	TLS     transport.TLSConfig `mapstructure:"tls"`
	Pool    pool.Config         `mapstructure:"pool"`
	Logging logging.Config      `mapstructure:"logging"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                "0.0.0.0",
		Port:                9000,
		NoDelay:             true,
		ReuseAddr:           true,
		AcceptCPU:           -1,
		SendTimeout:         5 * time.Second,
		ReceiveTimeout:      0,
		HandshakeTimeout:    10 * time.Second,
		MaxMessageSize:      16 * 1024,
		HandshakeBufferSize: protocol.DefaultHandshakeBufferSize,
		ReplyToPings:        true,
		Pool:                pool.DefaultConfig(),
		Logging:             logging.DefaultConfig(),
	}
}

// LoadConfig reads path over DefaultConfig, applies WSENGINE_* overrides and
// validates the result. An empty path reads only the environment.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := control.LoadConfig(path, EnvPrefix, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port", c.Port, "must be in [0, 65535]")
	}
	if c.SendTimeout < 0 || c.ReceiveTimeout < 0 || c.HandshakeTimeout < 0 {
		return invalid("timeouts", nil, "must not be negative")
	}
	if c.HandshakeBufferSize < 0 {
		return invalid("handshake_buffer_size", c.HandshakeBufferSize, "must not be negative")
	}
	sizes, err := pool.BucketSizes(c.Pool.Buckets, c.Pool.Smallest, c.Pool.Largest)
	if err != nil {
		return err
	}
	if c.MaxMessageSize <= 0 {
		return invalid("max_message_size", c.MaxMessageSize, "must be positive")
	}
	if largest := sizes[len(sizes)-1]; !c.AllowLargeMessages && c.MaxMessageSize > largest {
		return invalid("max_message_size", c.MaxMessageSize,
			fmt.Sprintf("exceeds pool largest %d without allow_large_messages", largest))
	}
	if c.TLS.Enabled && c.TLS.CertPath == "" {
		return invalid("tls.cert_path", "", "required when tls is enabled")
	}
	return nil
}

// ConnConfig returns the per-connection limits derived from c.
func (c *Config) ConnConfig() protocol.ConnConfig {
	return protocol.ConnConfig{
		MaxMessageSize:     c.MaxMessageSize,
		SendTimeout:        c.SendTimeout,
		ReceiveTimeout:     c.ReceiveTimeout,
		AllowLargeMessages: c.AllowLargeMessages,
		ReplyToPings:       c.ReplyToPings,
	}
}

// handshakeDeadline is the bound on one candidate's TLS and upgrade
// exchange; zero means unbounded.
func (c *Config) handshakeDeadline() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return c.ReceiveTimeout
}

func invalid(key string, value any, reason string) error {
	return api.ErrConfig.WithMessage("server: " + key + " " + reason).WithContext("value", value)
}
