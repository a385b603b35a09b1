package ownership

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"routeline/internal/domain"
)

const debounceDelay = 100 * time.Millisecond

// SyncFunc applies a full ownership sync.
type SyncFunc func(ctx context.Context, services []domain.ServiceOwnership) error

// Watcher applies an ownership catalog file as a full sync whenever it changes.
// It falls back to polling the modification time when fsnotify is unavailable.
type Watcher struct {
	Path         string
	PollInterval time.Duration
	Sync         SyncFunc
	Log          zerolog.Logger

	lastMod time.Time
}

// Run loads the file once and then follows changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.reload(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(filepath.Dir(w.Path))
	}
	if err != nil {
		w.Log.Warn().Err(err).Str("path", w.Path).Msg("Falling back to polling for ownership changes")
		if watcher != nil {
			watcher.Close()
		}
		return w.poll(ctx)
	}
	defer watcher.Close()
	w.Log.Info().Str("path", w.Path).Msg("Watching ownership file")

	target := filepath.Clean(w.Path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// wait for the writer to finish
			time.Sleep(debounceDelay)
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Log.Error().Err(err).Msg("Ownership watcher error")
		}
	}
}

func (w *Watcher) poll(ctx context.Context) error {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if stat, err := os.Stat(w.Path); err == nil && stat.ModTime().After(w.lastMod) {
				w.reload(ctx)
			}
		}
	}
}

func (w *Watcher) reload(ctx context.Context) {
	stat, err := os.Stat(w.Path)
	if err != nil {
		w.Log.Warn().Err(err).Str("path", w.Path).Msg("Ownership file unavailable; keeping last snapshot")
		return
	}
	services, err := LoadFile(w.Path)
	if err != nil {
		w.Log.Error().Err(err).Str("path", w.Path).Msg("Ownership file rejected; keeping last snapshot")
		return
	}
	if err := w.Sync(ctx, services); err != nil {
		w.Log.Error().Err(err).Str("path", w.Path).Msg("Ownership sync failed")
		return
	}
	w.lastMod = stat.ModTime()
	w.Log.Info().Int("services", len(services)).Msg("Ownership file applied")
}
