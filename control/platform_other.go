//go:build !linux && !windows

// File: control/platform_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import "runtime"

func registerPlatformProbes(dp *DebugProbes) {
	dp.Register("platform.os", func() any { return runtime.GOOS })
	dp.Register("platform.gomaxprocs", func() any { return runtime.GOMAXPROCS(0) })
}
