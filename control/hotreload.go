// File: control/hotreload.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reload hooks fired when the configuration file changes on disk.

package control

import (
	"github.com/fsnotify/fsnotify"
)

// OnChange watches the loaded file and invokes every hook after a write.
// Hooks run on the watcher goroutine; they should reload with Load and
// apply only settings that are safe to change at runtime.
func (l *Loader) OnChange(hooks ...func()) {
	if l.path == "" || len(hooks) == 0 {
		return
	}
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		for _, fn := range hooks {
			fn()
		}
	})
	l.v.WatchConfig()
}
