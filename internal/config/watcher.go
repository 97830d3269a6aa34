package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits after the last file event before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors that save by renaming a temp file over the original are picked up.
// A file that fails to load or validate is logged and skipped; the previous
// configuration stays in effect.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   logrus.FieldLogger
	watcher  *fsnotify.Watcher

	closeOnce sync.Once
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger logrus.FieldLogger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   logger.WithField("path", abs),
		watcher:  fw,
	}, nil
}

// SetDebounce overrides DefaultDebounce. Call before Watch.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Watch blocks until ctx is done, calling onChange with every valid reloaded config.
// onChange runs on the watcher's timer goroutine, never concurrently with itself.
func (w *Watcher) Watch(ctx context.Context, onChange func(Config)) error {
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		mu.Lock()
		defer mu.Unlock()

		cfg, err := Load(w.path)
		if err != nil {
			w.logger.WithError(err).Warn("config reload rejected, keeping previous configuration")
			return
		}
		w.logger.Info("config reloaded")
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	w.logger.WithField("debounce", w.debounce.String()).Info("config watcher started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped")
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.WithField("op", event.Op.String()).Debug("config file event")

			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, reload)
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("config watcher error")
		}
	}
}

// Close stops watching. It is idempotent.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.watcher.Close()
	})
	return err
}
