package collect

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// filesystemCollector watches directory trees and emits file_op
// observations. Paths under an excluded prefix are pruned here, before
// they ever reach the ingest buffer.
type filesystemCollector struct {
	name     string
	roots    []string
	excludes []string
}

func newFilesystemCollector(p BuildParams) (Collector, error) {
	if len(p.Config.Paths) == 0 {
		return nil, fmt.Errorf("collect: filesystem collector requires at least one path")
	}
	return &filesystemCollector{
		name:     p.Name,
		roots:    p.Config.Paths,
		excludes: p.ExcludePaths,
	}, nil
}

func (c *filesystemCollector) Name() string { return c.name }

func (c *filesystemCollector) Run(ctx context.Context, sink Sink) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("collect: filesystem watcher: %w", err)
	}
	defer w.Close()

	for _, root := range c.roots {
		if err := c.watchTree(w, root); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if c.excluded(evt.Name) {
				continue
			}
			// New directories join the watch so the tree stays covered.
			if evt.Has(fsnotify.Create) {
				if info, err := os.Stat(evt.Name); err == nil && info.IsDir() {
					if err := c.watchTree(w, evt.Name); err != nil {
						slog.Warn("failed to watch new directory", "path", evt.Name, "error", err)
					}
					continue
				}
			}
			if obs, ok := c.toObservation(evt); ok {
				sink.Offer(obs)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("filesystem watcher error", "collector", c.name, "error", err)
		}
	}
}

// toObservation maps a watcher event to a raw file_op observation.
// Renames surface as deletes; the create of the new name arrives as its
// own event.
func (c *filesystemCollector) toObservation(evt fsnotify.Event) (event.Observation, bool) {
	var op string
	switch {
	case evt.Has(fsnotify.Create):
		op = event.OpCreate
	case evt.Has(fsnotify.Write):
		op = event.OpModify
	case evt.Has(fsnotify.Remove), evt.Has(fsnotify.Rename):
		op = event.OpDelete
	default:
		return event.Observation{}, false
	}

	attrs := event.Attributes{
		"path":      evt.Name,
		"operation": op,
		"file_type": strings.ToLower(filepath.Ext(evt.Name)),
	}
	if op != event.OpDelete {
		if info, err := os.Stat(evt.Name); err == nil && !info.IsDir() {
			attrs["size"] = info.Size()
		}
	}
	return event.Observation{
		Timestamp: time.Now().UTC(),
		Kind:      event.KindFileOp,
		Payload:   attrs,
		Collector: c.name,
	}, true
}

func (c *filesystemCollector) watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if c.excluded(path) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			slog.Warn("cannot watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (c *filesystemCollector) excluded(path string) bool {
	for _, prefix := range c.excludes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
