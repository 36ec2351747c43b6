package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracelearn/tracelearn/pkg/metrics"
	"github.com/tracelearn/tracelearn/pkg/privacy"
)

// Snapshot is one immutable, versioned configuration state. A reload
// replaces the whole snapshot atomically; no component ever observes a
// partially-applied config.
type Snapshot struct {
	Version int64
	Config  *Config
}

// Rules returns the snapshot's privacy rule set, stamped with the
// snapshot version.
func (s *Snapshot) Rules() privacy.RuleSet {
	return privacy.RuleSet{Version: s.Version, Rules: s.Config.Privacy.ExpandRules()}
}

// Watcher holds the active configuration snapshot and reloads it when
// the file changes. An invalid file leaves the previous snapshot active.
type Watcher struct {
	path    string
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewWatcher loads the initial configuration as version 1.
func NewWatcher(path string) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path}
	w.version.Store(1)
	w.current.Store(&Snapshot{Version: 1, Config: cfg})
	metrics.ConfigVersion.Set(1)
	return w, nil
}

// Current returns the active snapshot.
func (w *Watcher) Current() *Snapshot {
	return w.current.Load()
}

// Rules returns the active privacy rule set. Convenience for the ingest
// pipeline, which re-reads per batch.
func (w *Watcher) Rules() privacy.RuleSet {
	return w.Current().Rules()
}

// Reload re-reads the file. On success the new snapshot becomes active
// with a bumped version; on failure the old snapshot stays and the error
// is returned for counting.
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("config.Reload: %w", err)
	}
	v := w.version.Add(1)
	w.current.Store(&Snapshot{Version: v, Config: cfg})
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	metrics.ConfigVersion.Set(float64(v))
	slog.Info("configuration reloaded", "version", v)
	return nil
}

// Watch reloads on file changes until ctx is cancelled. Editors often
// write via rename, so the parent directory is watched and events are
// debounced briefly before reloading.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config.Watch: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("config.Watch: watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload failed, keeping previous snapshot",
					"version", w.Current().Version, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}
