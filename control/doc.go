// Package control
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Configuration loading, hot reload, Prometheus metrics and debug probes
// for wsengine servers and clients.
//
// Provides:
//   - Loader: viper backed file plus environment configuration
//   - Metrics: connection, handshake, traffic and pool collectors
//   - DebugProbes: named state snapshots for introspection endpoints
package control
