package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// hotplugSettle is how long the watcher waits after the last event
// before triggering a pass, so a burst of node creations costs one pass.
const hotplugSettle = 250 * time.Millisecond

// HotplugWatcher triggers an immediate USB pass when serial device nodes
// appear or disappear in a watched directory.
type HotplugWatcher struct {
	dir     string
	trigger func()
	logger  Logger
}

// NewHotplugWatcher creates a watcher over dir (usually /dev).
func NewHotplugWatcher(dir string, trigger func()) *HotplugWatcher {
	return &HotplugWatcher{dir: dir, trigger: trigger, logger: noopLogger{}}
}

// SetLogger sets the logger for the watcher.
func (w *HotplugWatcher) SetLogger(logger Logger) {
	w.logger = logger
}

// Run watches until ctx is cancelled.
func (w *HotplugWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating hotplug watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("hotplug watcher started", "dir", w.dir)

	settle := time.NewTimer(hotplugSettle)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !IsSerialNode(ev.Name) || !ev.Has(fsnotify.Create|fsnotify.Remove) {
				continue
			}
			w.logger.Debug("serial node event", "name", ev.Name, "op", ev.Op.String())
			settle.Reset(hotplugSettle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("hotplug watcher error", "error", err)
		case <-settle.C:
			w.trigger()
		}
	}
}

// IsSerialNode reports whether a device node name looks like a serial port.
func IsSerialNode(path string) bool {
	name := filepath.Base(path)
	for _, prefix := range []string{"ttyUSB", "ttyACM", "cu.", "tty.usb", "ttyS"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
