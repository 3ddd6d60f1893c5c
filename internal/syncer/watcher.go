package syncer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 10 * time.Second

// Watcher turns filesystem events under the logs root into debounced
// incremental sync triggers, so daemon mode reacts to new usage within
// seconds instead of waiting for the next periodic tick.
type Watcher struct {
	coord *Coordinator
	root  string
}

func NewWatcher(coord *Coordinator, root string) *Watcher {
	return &Watcher{coord: coord, root: root}
}

// Run blocks until ctx is cancelled. Write bursts are debounced: the sync
// fires once the root has been quiet for the debounce window.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}

	logger := log.With().Str("component", "watcher").Logger()
	var debounce *time.Timer
	fireCh := make(chan struct{}, 1)

	schedule := func() {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(watchDebounce, func() {
			select {
			case fireCh <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				// New project directories must be watched as they appear.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addRecursive(fsw, event.Name)
				}
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			schedule()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		case <-fireCh:
			if _, err := w.coord.TriggerIncremental(ctx); err != nil && !errors.Is(err, ErrSyncInFlight) {
				logger.Warn().Err(err).Msg("watch-triggered sync failed")
			}
		}
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				log.Debug().Err(err).Str("path", path).Msg("cannot watch directory")
			}
		}
		return nil
	})
}
