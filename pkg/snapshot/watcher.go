package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftline/driftline/pkg/telemetry"
)

// debounceWindow coalesces bursts of file events (editors write several
// times per save) into one change notification.
const debounceWindow = 250 * time.Millisecond

// Watcher invokes a callback whenever a watched snapshot file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger
}

// NewWatcher creates a file watcher over the given paths.
func NewWatcher(logger *telemetry.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = telemetry.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	for _, path := range paths {
		if err := fw.Add(path); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	return &Watcher{
		watcher: fw,
		logger:  logger.NewComponentLogger("watcher"),
	}, nil
}

// Run blocks delivering debounced change notifications until the context
// is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.WithField("file", event.Name).Debug("snapshot file changed")
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("file watcher error")
		case <-fire:
			onChange()
		}
	}
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
