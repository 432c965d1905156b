//go:build windows

// File: control/platform_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package control

import (
	"runtime"

	"golang.org/x/sys/windows"
)

func registerPlatformProbes(dp *DebugProbes) {
	dp.Register("platform.os", func() any { return runtime.GOOS })
	dp.Register("platform.gomaxprocs", func() any { return runtime.GOMAXPROCS(0) })
	dp.Register("platform.version", func() any {
		v := windows.RtlGetVersion()
		return map[string]uint32{"major": v.MajorVersion, "minor": v.MinorVersion, "build": v.BuildNumber}
	})
}
