// SPDX-License-Identifier: MIT

package settings

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store when settings.json is edited outside the process.
// Events are debounced so editors that write-then-rename trigger one reload.
// The watcher stops when ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to close settings watcher")
			}
		}()
		var debounce *time.Timer
		pending := make(chan struct{}, 1)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					select {
					case pending <- struct{}{}:
					default:
					}
				})
			case <-pending:
				if err := s.Reload(); err != nil {
					s.logger.Error().Err(err).Str("event", "settings.reload_failed").Msg("external edit not applied")
				} else {
					s.logger.Info().Str("event", "settings.reloaded").Msg("settings reloaded after external edit")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn().Err(err).Str("event", "settings.watch_error").Msg("settings watcher error")
			}
		}
	}()
	return nil
}
