// Package tcp
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP listener setup for wsengine: socket options applied before bind,
// per-connection tuning after accept, and optional accept thread pinning.
package tcp
