package trigger

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
)

// Watch nudges the returned channel whenever the trigger log grows, letting
// the scheduler start a tick early instead of waiting out the full interval.
// The nudge is advisory; the tick interval remains the hard bound on
// trigger-to-refresh latency. Watch returns when ctx is canceled.
func Watch(ctx context.Context, l *Log) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: the log file may not exist yet and is truncated
	// (recreated) on every drain.
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		watcher.Close()
		return nil, err
	}

	nudge := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != l.path || !ev.Has(fsnotify.Write) {
					continue
				}
				select {
				case nudge <- struct{}{}:
				default: // a nudge is already pending
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Debug(ctx, log.KV{K: "msg", V: "trigger watcher error"}, log.KV{K: "err", V: err.Error()})
			}
		}
	}()
	return nudge, nil
}
