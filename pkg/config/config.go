// Package config loads, validates and hot-reloads the tracelearn
// configuration document.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tracelearn/tracelearn/pkg/feature"
	"github.com/tracelearn/tracelearn/pkg/privacy"
)

// ErrConfig marks a malformed configuration document. A failed reload
// leaves the previous snapshot active; the system never runs with a
// partially-applied config.
var ErrConfig = errors.New("config: invalid configuration")

// Config is the top-level tracelearn configuration.
type Config struct {
	Storage    StorageConfig              `yaml:"storage"`
	Privacy    PrivacyConfig              `yaml:"privacy"`
	Retention  RetentionConfig            `yaml:"retention"`
	Ingest     IngestConfig               `yaml:"ingest"`
	Collectors map[string]CollectorConfig `yaml:"collectors"`
	Features   FeaturesConfig             `yaml:"features"`
	Models     []ModelConfig              `yaml:"models"`
	Schedule   ScheduleConfig             `yaml:"schedule"`
	Metrics    MetricsConfig              `yaml:"metrics"`
	Control    ControlConfig              `yaml:"control"`
}

// StorageConfig configures the embedded event store.
type StorageConfig struct {
	Path      string `yaml:"path"`
	MaxEvents int64  `yaml:"max_events"` // 0 = unlimited
}

// PrivacyConfig supplies the privacy rule set applied at ingestion.
// ExcludePaths/ExcludeApps and AnonymizePaths are shorthand that expand
// into rules alongside the explicit Rules list.
type PrivacyConfig struct {
	Rules               []privacy.Rule `yaml:"rules"`
	ExcludePaths        []string       `yaml:"exclude_paths"`
	ExcludeApps         []string       `yaml:"exclude_apps"`
	AnonymizePaths      []string       `yaml:"anonymize_paths"`
	CollectWindowTitles bool           `yaml:"collect_window_titles"`
}

// ExpandRules returns the full rule list: explicit rules first, then
// rules generated from the shorthand lists. Order matters only between
// exclusion and anonymization, which evaluation handles itself.
func (p PrivacyConfig) ExpandRules() []privacy.Rule {
	rules := make([]privacy.Rule, 0, len(p.Rules)+len(p.ExcludePaths)+len(p.ExcludeApps)+len(p.AnonymizePaths))
	rules = append(rules, p.Rules...)
	for _, path := range p.ExcludePaths {
		rules = append(rules, privacy.Rule{Scope: privacy.ScopePathPrefix, Pattern: path, Action: privacy.ActionExclude})
	}
	for _, app := range p.ExcludeApps {
		rules = append(rules, privacy.Rule{Scope: privacy.ScopeAppName, Pattern: app, Action: privacy.ActionExclude})
	}
	for _, path := range p.AnonymizePaths {
		rules = append(rules, privacy.Rule{Scope: privacy.ScopePathPrefix, Pattern: path, Action: privacy.ActionAnonymize})
	}
	return rules
}

// RetentionConfig sets per-collection retention periods in days. Unset
// values fall back to the defaults (90 for events and features, 180 for
// models).
type RetentionConfig struct {
	EventsDays   int `yaml:"events_days"`
	FeaturesDays int `yaml:"features_days"`
	ModelsDays   int `yaml:"models_days"`
}

// IngestConfig tunes the buffered asynchronous ingestion pipeline.
type IngestConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CollectorConfig configures one registered collector, keyed by kind.
type CollectorConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Paths          []string      `yaml:"paths"`           // filesystem: watched roots
	SampleInterval time.Duration `yaml:"sample_interval"` // appfocus, sysmetrics
	ReplayFile     string        `yaml:"replay_file"`     // replay: JSONL source
}

// FeaturesConfig holds the declarative feature extraction spec and the
// window length of each scheduled extraction.
type FeaturesConfig struct {
	Spec   feature.Spec  `yaml:"spec"`
	Window time.Duration `yaml:"window"`
}

// ModelConfig configures one model name's training policy.
type ModelConfig struct {
	Name       string             `yaml:"name"`
	Algorithm  string             `yaml:"algorithm"`
	MinRows    int                `yaml:"min_rows"`
	SplitRatio float64            `yaml:"split_ratio"`
	Seed       int64              `yaml:"seed"`
	Thresholds map[string]float64 `yaml:"thresholds"` // metric name → minimum for promotion
}

// ScheduleConfig sets the background job intervals.
type ScheduleConfig struct {
	ExtractEvery time.Duration `yaml:"extract_every"`
	TrainEvery   time.Duration `yaml:"train_every"`
	PurgeEvery   time.Duration `yaml:"purge_every"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9464"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// ControlConfig configures the control-plane HTTP API.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("%w: storage.path is required", ErrConfig)
	}
	if c.Storage.MaxEvents < 0 {
		return fmt.Errorf("%w: storage.max_events must be >= 0, got %d", ErrConfig, c.Storage.MaxEvents)
	}
	for i, r := range c.Privacy.Rules {
		switch r.Scope {
		case privacy.ScopePathPrefix, privacy.ScopeAppName, privacy.ScopeKeyword:
		default:
			return fmt.Errorf("%w: privacy.rules[%d]: unknown scope %q", ErrConfig, i, r.Scope)
		}
		switch r.Action {
		case privacy.ActionExclude, privacy.ActionAnonymize:
		default:
			return fmt.Errorf("%w: privacy.rules[%d]: unknown action %q", ErrConfig, i, r.Action)
		}
		if r.Pattern == "" {
			return fmt.Errorf("%w: privacy.rules[%d]: pattern cannot be empty", ErrConfig, i)
		}
	}
	if c.Retention.EventsDays < 0 || c.Retention.FeaturesDays < 0 || c.Retention.ModelsDays < 0 {
		return fmt.Errorf("%w: retention days must be >= 0", ErrConfig)
	}
	if c.Features.Spec.Name == "" {
		return fmt.Errorf("%w: features.spec.name is required", ErrConfig)
	}
	names := make(map[string]bool)
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("%w: model name cannot be empty", ErrConfig)
		}
		if names[m.Name] {
			return fmt.Errorf("%w: duplicate model name %q", ErrConfig, m.Name)
		}
		names[m.Name] = true
		if m.Algorithm == "" {
			return fmt.Errorf("%w: model %q has empty algorithm", ErrConfig, m.Name)
		}
		if m.SplitRatio < 0 || m.SplitRatio >= 1 {
			return fmt.Errorf("%w: model %q: split_ratio must be in [0, 1), got %g", ErrConfig, m.Name, m.SplitRatio)
		}
	}
	return nil
}
