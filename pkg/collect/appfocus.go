package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// FocusProbe reports the currently focused application. Desktop
// integrations supply their own; the default approximates focus with
// the busiest process, which is the best a headless daemon can do.
type FocusProbe func() (app string, windowTitle string, err error)

// appFocusCollector samples the focused application on an interval and
// emits app_focus observations carrying the sampled focus duration.
type appFocusCollector struct {
	name     string
	interval time.Duration
	probe    FocusProbe
}

func newAppFocusCollector(p BuildParams) (Collector, error) {
	interval := p.Config.SampleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &appFocusCollector{
		name:     p.Name,
		interval: interval,
		probe:    busiestProcessProbe,
	}, nil
}

func (c *appFocusCollector) Name() string { return c.name }

// SetProbe replaces the focus probe. Must be called before Run.
func (c *appFocusCollector) SetProbe(p FocusProbe) { c.probe = p }

func (c *appFocusCollector) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			app, title, err := c.probe()
			if err != nil || app == "" {
				continue
			}
			attrs := event.Attributes{
				"app_name":         app,
				"focus_duration_s": c.interval.Seconds(),
			}
			if title != "" {
				attrs["window_title"] = title
			}
			sink.Offer(event.Observation{
				Timestamp: time.Now().UTC(),
				Kind:      event.KindAppFocus,
				Payload:   attrs,
				Collector: c.name,
			})
		}
	}
}

// busiestProcessProbe picks the process with the highest CPU share as a
// stand-in for the focused application.
func busiestProcessProbe() (string, string, error) {
	procs, err := process.Processes()
	if err != nil {
		return "", "", fmt.Errorf("collect: listing processes: %w", err)
	}
	var best string
	var bestCPU float64
	for _, p := range procs {
		cpu, err := p.CPUPercent()
		if err != nil || cpu <= bestCPU {
			continue
		}
		name, err := p.Name()
		if err != nil || name == "" {
			continue
		}
		best, bestCPU = name, cpu
	}
	if best == "" {
		return "", "", nil
	}
	return best, "", nil
}
