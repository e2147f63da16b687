package statestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/openfroyo/rollout/pkg/deployment"
)

// watchDebounce coalesces the bursts of events a single atomic save produces.
const watchDebounce = 100 * time.Millisecond

// Watch calls fn with the current state of a plan and again after every
// change to its record, until ctx is done. fn receives ErrNotFound when the
// record is removed. Watch blocks and returns nil when ctx is cancelled.
func (s *FileStore) Watch(ctx context.Context, planID string, fn func(*deployment.State, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Saves replace the file by rename, so watch the directory.
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", s.dir, err)
	}

	target := filepath.Clean(s.Path(planID))
	fn(s.Load(ctx, planID))

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			fn(s.Load(ctx, planID))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Str("plan_id", planID).Msg("watcher error")
		}
	}
}
