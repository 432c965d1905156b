// File: client/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"time"

	"github.com/momentics/wsengine/api"
	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/internal/logging"
	"github.com/momentics/wsengine/pool"
	"github.com/momentics/wsengine/protocol"
)

// EnvPrefix prefixes environment overrides, e.g. WSENGINE_CLIENT_DIAL_TIMEOUT.
const EnvPrefix = "WSENGINE_CLIENT"

// TLSConfig controls wss:// connections.
type TLSConfig struct {
	// ServerName overrides the name verified against the certificate.
	ServerName string `mapstructure:"server_name"`
	// RootCAPath replaces the system roots with the PEM file's certificates.
	RootCAPath         string `mapstructure:"root_ca_path"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// Config holds all client-side configuration parameters.
type Config struct {
	NoDelay             bool          `mapstructure:"no_delay"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	// HandshakeTimeout bounds TLS setup plus the upgrade. Zero falls back to
	// ReceiveTimeout.
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	ReceiveTimeout      time.Duration `mapstructure:"receive_timeout"`
	MaxMessageSize      int           `mapstructure:"max_message_size"`
	HandshakeBufferSize int           `mapstructure:"handshake_buffer_size"`
	AllowLargeMessages  bool          `mapstructure:"allow_large_messages"`
	ReplyToPings        bool          `mapstructure:"reply_to_pings"`
	// ReconnectMax bounds connection attempts per Connect. 0 means one try.
	ReconnectMax int `mapstructure:"reconnect_max"`
	// HeartbeatInterval sends a ping at this period. 0 disables it.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	TLS     TLSConfig      `mapstructure:"tls"`
	Pool    pool.Config    `mapstructure:"pool"`
	Logging logging.Config `mapstructure:"logging"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NoDelay:             true,
		DialTimeout:         5 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		SendTimeout:         5 * time.Second,
		MaxMessageSize:      16 * 1024,
		HandshakeBufferSize: protocol.DefaultHandshakeBufferSize,
		ReplyToPings:        true,
		Pool:                pool.DefaultConfig(),
		Logging:             logging.DefaultConfig(),
	}
}

// LoadConfig reads path over DefaultConfig with WSENGINE_CLIENT_* overrides.
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
	if c.DialTimeout < 0 || c.HandshakeTimeout < 0 || c.SendTimeout < 0 ||
		c.ReceiveTimeout < 0 || c.HeartbeatInterval < 0 {
		return api.ErrConfig.WithMessage("client: timeouts must not be negative")
	}
	if c.ReconnectMax < 0 {
		return api.ErrConfig.WithMessage("client: reconnect_max must not be negative").WithContext("value", c.ReconnectMax)
	}
	sizes, err := pool.BucketSizes(c.Pool.Buckets, c.Pool.Smallest, c.Pool.Largest)
	if err != nil {
		return err
	}
	if c.MaxMessageSize <= 0 {
		return api.ErrConfig.WithMessage("client: max_message_size must be positive")
	}
	if !c.AllowLargeMessages && c.MaxMessageSize > sizes[len(sizes)-1] {
		return api.ErrConfig.WithMessage("client: max_message_size exceeds pool largest").
			WithContext("value", c.MaxMessageSize).WithContext("largest", sizes[len(sizes)-1])
	}
	return nil
}

func (c *Config) connConfig() protocol.ConnConfig {
	return protocol.ConnConfig{
		MaxMessageSize:     c.MaxMessageSize,
		SendTimeout:        c.SendTimeout,
		ReceiveTimeout:     c.ReceiveTimeout,
		AllowLargeMessages: c.AllowLargeMessages,
		ReplyToPings:       c.ReplyToPings,
	}
}

func (c *Config) handshakeDeadline() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return c.ReceiveTimeout
}
