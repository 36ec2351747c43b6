package collect

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// sysMetricsCollector samples CPU and memory utilization on an interval
// and emits system_metric observations.
type sysMetricsCollector struct {
	name     string
	interval time.Duration
}

func newSysMetricsCollector(p BuildParams) (Collector, error) {
	interval := p.Config.SampleInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &sysMetricsCollector{name: p.Name, interval: interval}, nil
}

func (c *sysMetricsCollector) Name() string { return c.name }

func (c *sysMetricsCollector) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attrs := event.Attributes{}
			if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
				attrs["cpu_percent"] = pcts[0]
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				attrs["memory_percent"] = vm.UsedPercent
			}
			if len(attrs) == 0 {
				continue
			}
			sink.Offer(event.Observation{
				Timestamp: time.Now().UTC(),
				Kind:      event.KindSystemMetric,
				Payload:   attrs,
				Collector: c.name,
			})
		}
	}
}
