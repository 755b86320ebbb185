package bridge

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// runWatcher layers best-effort filesystem change notification over the
// polling loop so results and status are picked up with low latency. Bursts
// of events are coalesced through a debounce timer. If the watcher cannot be
// established it retries a bounded number of times and then gives up;
// correctness never depends on it because the poll loop still runs.
func (b *Bridge) runWatcher() {
	defer b.wg.Done()

	var watcher *fsnotify.Watcher
	for attempt := 0; attempt <= b.opts.WatcherRetries; attempt++ {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(b.dir); err == nil {
				watcher = w
				break
			}
			_ = w.Close()
		}
		b.log.Warn("file watcher unavailable, polling only", "attempt", attempt+1, "err", err)
		select {
		case <-b.stopCh:
			return
		case <-time.After(b.opts.WatcherRetryInterval):
		}
	}
	if watcher == nil {
		return
	}
	defer func() { _ = watcher.Close() }()

	debounce := time.NewTimer(b.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	armed := false

	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if name != resultsFileName && name != statusFileName {
				continue
			}
			// Restart the quiescence window on every signal.
			if armed && !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(b.opts.Debounce)
			armed = true
		case <-debounce.C:
			armed = false
			select {
			case b.kick <- struct{}{}:
			default: // a refresh is already queued
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.log.Warn("file watcher error", "err", err)
		}
	}
}
