// Package privacy evaluates configured exclusion and anonymization rules
// against canonical events at the ingestion boundary. Evaluation is a
// pure function of (event, rule set); nothing here holds state, so rule
// sets can be hot-swapped safely.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tracelearn/tracelearn/pkg/event"
)

// Scope selects which part of an event a rule matches.
type Scope string

const (
	ScopePathPrefix Scope = "path_prefix"
	ScopeAppName    Scope = "app_name"
	ScopeKeyword    Scope = "keyword"
)

// Action is what a matching rule does to the event.
type Action string

const (
	ActionExclude   Action = "exclude"
	ActionAnonymize Action = "anonymize"
)

// Rule is a single configured privacy policy.
type Rule struct {
	Scope   Scope  `yaml:"scope" json:"scope"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Action  Action `yaml:"action" json:"action"`
}

// RuleSet is an immutable versioned snapshot of the active rules.
// A config reload replaces the whole snapshot atomically.
type RuleSet struct {
	Version int64
	Rules   []Rule
}

// Verdict classifies an evaluation outcome.
type Verdict int

const (
	VerdictPass Verdict = iota
	VerdictDrop
	VerdictRedacted
)

// Decision is the result of evaluating one event against a rule set.
// On VerdictRedacted, Event holds the rewritten copy. On VerdictDrop,
// RuleIndex identifies the matching exclusion rule; the event itself is
// never carried in a drop decision so callers cannot log it by accident.
type Decision struct {
	Verdict   Verdict
	Event     event.Canonical
	RuleIndex int
}

// Evaluate applies rs to ev. Exclusion rules run first and short-circuit;
// every matching anonymization rule then rewrites its matched attribute.
// Pure: the same (ev, rs) always yields the same decision, and ev is
// never mutated.
func Evaluate(ev event.Canonical, rs RuleSet) Decision {
	for i, r := range rs.Rules {
		if r.Action == ActionExclude && matches(ev, r) {
			return Decision{Verdict: VerdictDrop, RuleIndex: i}
		}
	}

	redacted := false
	out := ev
	for _, r := range rs.Rules {
		if r.Action != ActionAnonymize || !matches(ev, r) {
			continue
		}
		if !redacted {
			out.Attributes = ev.Attributes.Clone()
			redacted = true
		}
		applyAnonymize(&out, r)
	}
	if !redacted {
		return Decision{Verdict: VerdictPass, Event: ev}
	}
	return Decision{Verdict: VerdictRedacted, Event: out}
}

// matches reports whether rule r applies to ev. Match semantics depend
// on scope: path_prefix on file_op paths, app_name on app_focus apps,
// keyword on any string attribute substring.
func matches(ev event.Canonical, r Rule) bool {
	switch r.Scope {
	case ScopePathPrefix:
		path := ev.Attributes.String("path")
		return path != "" && strings.HasPrefix(path, r.Pattern)
	case ScopeAppName:
		return ev.Attributes.String("app_name") == r.Pattern
	case ScopeKeyword:
		for _, v := range ev.Attributes {
			if s, ok := v.(string); ok && strings.Contains(s, r.Pattern) {
				return true
			}
		}
		return false
	}
	return false
}

// applyAnonymize rewrites the attribute(s) matched by r in place on out,
// whose attribute map has already been cloned.
func applyAnonymize(out *event.Canonical, r Rule) {
	switch r.Scope {
	case ScopePathPrefix:
		path := out.Attributes.String("path")
		out.Attributes["path"] = anonymizePath(path, r.Pattern)
	case ScopeAppName:
		out.Attributes["app_name"] = hashToken(out.Attributes.String("app_name"))
	case ScopeKeyword:
		for k, v := range out.Attributes {
			if s, ok := v.(string); ok && strings.Contains(s, r.Pattern) {
				out.Attributes[k] = hashToken(s)
			}
		}
	}
}

// anonymizePath keeps the matched prefix and hashes each path segment
// after it, preserving depth for feature extraction without leaking
// names.
func anonymizePath(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return path
	}
	segs := strings.Split(strings.TrimPrefix(rest, "/"), "/")
	for i, s := range segs {
		if s != "" {
			segs[i] = hashToken(s)
		}
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.Join(segs, "/")
}

// hashToken replaces a sensitive value with a stable short digest.
func hashToken(s string) string {
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:8])
}
