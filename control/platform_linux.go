//go:build linux

// File: control/platform_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// registerPlatformProbes reports limits that cap how many sockets one
// process can hold.
func registerPlatformProbes(dp *DebugProbes) {
	dp.Register("platform.os", func() any { return runtime.GOOS })
	dp.Register("platform.gomaxprocs", func() any { return runtime.GOMAXPROCS(0) })
	dp.Register("platform.nofile", func() any {
		var lim unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return err.Error()
		}
		return map[string]uint64{"soft": lim.Cur, "hard": lim.Max}
	})
}
