package collect

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// replayCollector feeds observations from a JSONL file, one observation
// per line. Used for backfill and testing.
type replayCollector struct {
	name string
	path string
}

func newReplayCollector(p BuildParams) (Collector, error) {
	if p.Config.ReplayFile == "" {
		return nil, fmt.Errorf("collect: replay collector requires replay_file")
	}
	return &replayCollector{name: p.Name, path: p.Config.ReplayFile}, nil
}

func (c *replayCollector) Name() string { return c.name }

func (c *replayCollector) Run(ctx context.Context, sink Sink) error {
	f, err := os.Open(c.path)
	if err != nil {
		return fmt.Errorf("collect: replay open %s: %w", c.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var obs event.Observation
		if err := json.Unmarshal(sc.Bytes(), &obs); err != nil {
			slog.Warn("replay: skipping undecodable line", "file", c.path, "line", line, "error", err)
			continue
		}
		if obs.Collector == "" {
			obs.Collector = c.name
		}
		sink.Offer(obs)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("collect: replay read %s: %w", c.path, err)
	}
	slog.Info("replay finished", "file", c.path, "lines", line)
	// Replay is one-shot: block until shutdown instead of restarting.
	<-ctx.Done()
	return ctx.Err()
}
