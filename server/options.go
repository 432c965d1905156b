// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"

	"go.uber.org/zap"

	"github.com/momentics/wsengine/control"
	"github.com/momentics/wsengine/pool"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the server logger. Connections derive theirs from it.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches prometheus collectors. The pool gauges are
// registered against the server's pool.
func WithMetrics(m *control.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPool shares an existing pool instead of building one from Config.Pool.
func WithPool(p *pool.Pool) Option {
	return func(s *Server) { s.pool = p }
}

// WithTLSConfig overrides the certificate loaded from Config.TLS.
func WithTLSConfig(tc *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = tc }
}
