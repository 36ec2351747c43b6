// Package ingest accepts raw observations from concurrent collectors and
// moves them through normalization and privacy filtering into the event
// store. Collectors fire and forget: Offer never blocks, and when local
// buffering is exhausted the oldest buffered observations are dropped
// with a counted warning.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracelearn/tracelearn/pkg/event"
	"github.com/tracelearn/tracelearn/pkg/metrics"
	"github.com/tracelearn/tracelearn/pkg/privacy"
	"github.com/tracelearn/tracelearn/pkg/store"
)

// RuleSource supplies the currently active privacy rule set. The
// pipeline re-reads it per flush so rule-set hot reloads apply without
// restarts.
type RuleSource interface {
	Rules() privacy.RuleSet
}

// Appender is the slice of the event store the pipeline writes through.
type Appender interface {
	AppendEvents(ctx context.Context, events []event.Canonical) (int, error)
}

// Config tunes pipeline buffering.
type Config struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Stats are the pipeline's observability counters.
type Stats struct {
	Stored         atomic.Int64
	Invalid        atomic.Int64
	PrivacyDropped atomic.Int64
	Redacted       atomic.Int64
	BufferDropped  atomic.Int64
}

// Pipeline is the buffered asynchronous ingestion stage.
type Pipeline struct {
	cfg   Config
	norm  *event.Normalizer
	rules RuleSource
	sink  Appender

	mu  sync.Mutex
	buf []event.Observation

	flushCh   chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	stats Stats
}

// New creates and starts an ingestion pipeline.
func New(cfg Config, norm *event.Normalizer, rules RuleSource, sink Appender) *Pipeline {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	p := &Pipeline{
		cfg:     cfg,
		norm:    norm,
		rules:   rules,
		sink:    sink,
		buf:     make([]event.Observation, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.flushLoop()
	return p
}

// Offer enqueues a raw observation. Non-blocking: when the buffer is
// full the oldest observation is dropped and counted rather than
// stalling the collector.
func (p *Pipeline) Offer(obs event.Observation) {
	p.mu.Lock()
	if len(p.buf) >= p.cfg.BufferSize {
		p.buf = p.buf[1:]
		p.stats.BufferDropped.Add(1)
		metrics.BufferDropped.Inc()
	}
	p.buf = append(p.buf, obs)
	depth := len(p.buf)
	p.mu.Unlock()

	metrics.BufferDepth.Set(float64(depth))
	if depth >= p.cfg.BatchSize {
		select {
		case p.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush forces a flush of the current buffer. Used by tests and by the
// control API's status path.
func (p *Pipeline) Flush() {
	p.flush()
}

// Stats exposes the pipeline counters.
func (p *Pipeline) Stats() *Stats {
	return &p.stats
}

// Close drains the buffer and stops the background flusher. Safe to
// call more than once.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	p.wg.Wait()
}

func (p *Pipeline) flushLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.closeCh:
			p.flush() // final drain
			return
		case <-p.flushCh:
			p.flush()
		case <-ticker.C:
			p.flush()
		}
	}
}

func (p *Pipeline) flush() {
	p.mu.Lock()
	if len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buf
	p.buf = make([]event.Observation, 0, p.cfg.BatchSize)
	p.mu.Unlock()
	metrics.BufferDepth.Set(0)

	rs := p.rules.Rules()
	events := make([]event.Canonical, 0, len(batch))
	for _, obs := range batch {
		ev, err := p.norm.Normalize(obs)
		if err != nil {
			// Dropped and counted; the raw payload is never logged.
			p.stats.Invalid.Add(1)
			metrics.EventsInvalid.WithLabelValues(obs.Collector).Inc()
			continue
		}
		d := privacy.Evaluate(ev, rs)
		switch d.Verdict {
		case privacy.VerdictDrop:
			p.stats.PrivacyDropped.Add(1)
			metrics.EventsPrivacyDropped.Inc()
			continue
		case privacy.VerdictRedacted:
			p.stats.Redacted.Add(1)
			metrics.EventsRedacted.Inc()
			ev = d.Event
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return
	}

	p.append(events)
}

// append writes the batch, retrying transient failures. Appends are
// idempotent per event ID so at-least-once retries are safe. A capacity
// rejection is not transient: the batch is dropped with a counted error
// and the operator must free space.
func (p *Pipeline) append(events []event.Canonical) {
	metrics.AppendBatchSize.Observe(float64(len(events)))

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var n int
		n, err = p.sink.AppendEvents(context.Background(), events)
		if err == nil {
			p.stats.Stored.Add(int64(n))
			for _, ev := range events {
				metrics.EventsIngested.WithLabelValues(string(ev.Kind)).Inc()
			}
			return
		}
		if errors.Is(err, store.ErrCapacity) {
			metrics.AppendFailures.WithLabelValues("capacity").Inc()
			slog.Error("event batch rejected: store at capacity", "count", len(events))
			return
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	metrics.AppendFailures.WithLabelValues("io").Inc()
	slog.Error("event batch dropped after retries", "count", len(events), "error", err)
}
