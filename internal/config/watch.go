package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces the burst of events editors emit on save.
const DefaultWatchDebounce = 250 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(*Config)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher watches path's directory, so files replaced by rename are
// still seen. onChange receives only configs that load and validate.
func NewWatcher(path string, debounce time.Duration, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher: onChange is required")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger.With("component", "config-watcher"),
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Run delivers reloads until ctx ends, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		_ = w.watcher.Close()
		w.wg.Wait()
	}()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil && timer.Stop() {
			w.wg.Done()
		}
		w.wg.Add(1)
		timer = time.AfterFunc(w.debounce, func() {
			defer w.wg.Done()
			if ctx.Err() != nil {
				return
			}
			w.reload()
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil && timer.Stop() {
				w.wg.Done()
			}
			mu.Unlock()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid config change", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
