// File: client/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"go.uber.org/zap"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/pool"
)

// Option customizes client initialization.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithPool shares an existing pool, e.g. with an in-process server.
func WithPool(p *pool.Pool) Option {
	return func(c *Client) { c.pool = p }
}
