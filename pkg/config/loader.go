package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tracelearn/tracelearn/pkg/feature"
)

// Load reads and parses a tracelearn configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a configuration document, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Parse: %w: %v", ErrConfig, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Parse: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/tracelearn/store"
	}
	if c.Retention.EventsDays == 0 {
		c.Retention.EventsDays = 90
	}
	if c.Retention.FeaturesDays == 0 {
		c.Retention.FeaturesDays = 90
	}
	if c.Retention.ModelsDays == 0 {
		c.Retention.ModelsDays = 180
	}
	if c.Ingest.BufferSize == 0 {
		c.Ingest.BufferSize = 4096
	}
	if c.Ingest.BatchSize == 0 {
		c.Ingest.BatchSize = 100
	}
	if c.Ingest.FlushInterval == 0 {
		c.Ingest.FlushInterval = 5 * time.Second
	}
	if c.Features.Spec.Name == "" {
		c.Features.Spec.Name = "activity"
	}
	if c.Features.Spec.BucketSize == 0 {
		c.Features.Spec.BucketSize = time.Hour
	}
	if len(c.Features.Spec.Aggregations) == 0 {
		c.Features.Spec.Aggregations = []feature.Aggregation{
			feature.AggHourOfDay,
			feature.AggKindCounts,
			feature.AggFocusDuration,
			feature.AggSystemLoad,
			feature.AggFeedbackRates,
		}
	}
	if c.Features.Spec.DefaultLabel == "" {
		c.Features.Spec.DefaultLabel = "neutral"
	}
	if c.Features.Window == 0 {
		c.Features.Window = 24 * time.Hour
	}
	if len(c.Models) == 0 {
		c.Models = []ModelConfig{{Name: "productivity", Algorithm: "nearest-centroid"}}
	}
	for i := range c.Models {
		if c.Models[i].MinRows == 0 {
			c.Models[i].MinRows = 10
		}
		if c.Models[i].SplitRatio == 0 {
			c.Models[i].SplitRatio = 0.2
		}
		if c.Models[i].Seed == 0 {
			c.Models[i].Seed = 42
		}
	}
	if c.Schedule.ExtractEvery == 0 {
		c.Schedule.ExtractEvery = time.Hour
	}
	if c.Schedule.TrainEvery == 0 {
		c.Schedule.TrainEvery = 24 * time.Hour
	}
	if c.Schedule.PurgeEvery == 0 {
		c.Schedule.PurgeEvery = 24 * time.Hour
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
	if c.Control.Addr == "" {
		c.Control.Addr = "127.0.0.1:8750"
	}
	for key, cc := range c.Collectors {
		if cc.SampleInterval == 0 {
			cc.SampleInterval = 30 * time.Second
			c.Collectors[key] = cc
		}
	}
}
