// Package collect defines the collector capability interface and the
// built-in collectors that produce raw observations for the ingestion
// pipeline: filesystem activity, application focus sampling, system
// metrics and JSONL replay.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tracelearn/tracelearn/pkg/config"
	"github.com/tracelearn/tracelearn/pkg/event"
)

// Sink receives raw observations. Satisfied by the ingest pipeline.
type Sink interface {
	Offer(obs event.Observation)
}

// Collector produces raw observations until its context is cancelled.
type Collector interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// BuildParams carries everything a factory needs to construct one
// collector instance.
type BuildParams struct {
	Name         string
	Config       config.CollectorConfig
	ExcludePaths []string // pruned at the source, before buffering
}

// Factory constructs a collector of one registered kind.
type Factory func(p BuildParams) (Collector, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a collector factory under a config key. Built-in kinds
// register in init; callers may add custom kinds before BuildEnabled.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[kind] = f
}

// Kinds returns the registered collector kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildEnabled constructs every enabled collector from the config map.
// Unknown kinds are an error: a typo must not silently disable
// collection.
func BuildEnabled(cfgs map[string]config.CollectorConfig, excludePaths []string) ([]Collector, error) {
	regMu.RLock()
	defer regMu.RUnlock()

	kinds := make([]string, 0, len(cfgs))
	for kind := range cfgs {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []Collector
	for _, kind := range kinds {
		cc := cfgs[kind]
		if !cc.Enabled {
			continue
		}
		f, ok := registry[kind]
		if !ok {
			return nil, fmt.Errorf("collect.BuildEnabled: unknown collector kind %q", kind)
		}
		c, err := f(BuildParams{Name: kind, Config: cc, ExcludePaths: excludePaths})
		if err != nil {
			return nil, fmt.Errorf("collect.BuildEnabled: %s: %w", kind, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// RunAll runs each collector in its own goroutine, restarting crashed
// collectors with a backoff until ctx is cancelled. Collector failures
// degrade data freshness but never take the pipeline down.
func RunAll(ctx context.Context, collectors []Collector, sink Sink) {
	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			for {
				err := c.Run(ctx, sink)
				if ctx.Err() != nil {
					return
				}
				slog.Warn("collector stopped, restarting", "collector", c.Name(), "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
			}
		}(c)
	}
	wg.Wait()
}

func init() {
	Register("filesystem", newFilesystemCollector)
	Register("appfocus", newAppFocusCollector)
	Register("sysmetrics", newSysMetricsCollector)
	Register("replay", newReplayCollector)
}
