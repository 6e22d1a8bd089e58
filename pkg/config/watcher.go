package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration file when it changes on disk. Bursts of
// filesystem events are coalesced; a document that fails to load is logged
// and the previous configuration stays in force.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   logging.Logger
	onChange func(*Document)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets the quiet period before a reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for path. onChange receives every document
// that loads and validates successfully.
func NewWatcher(path string, logger logging.Logger, onChange func(*Document), opts ...WatcherOption) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		logger:   logger.WithFields(logging.Component("config-watcher")),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run watches until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are still observed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", logging.ErrorField(err))

		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	doc, err := Load(w.path)
	if err != nil {
		w.logger.Error("configuration reload rejected, keeping previous", logging.ErrorField(err))
		return
	}
	w.logger.Info("configuration reloaded", logging.Int("backends", len(doc.Backends)))
	if w.onChange != nil {
		w.onChange(doc)
	}
}
