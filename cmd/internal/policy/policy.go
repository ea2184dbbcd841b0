// Package policy loads the optional YAML policy file that seeds rate-limit
// rules, classifier thresholds and escalation settings at start-up.
package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"shield/cmd/internal/classifier"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
)

// Rule is one key class entry under rate_limits. Window zero keeps the
// current window.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Escalation mirrors guard.Config; nil fields keep the current value.
type Escalation struct {
	Threshold     *int           `yaml:"threshold"`
	AutoBlacklist *bool          `yaml:"auto_blacklist"`
	BlockTTL      *time.Duration `yaml:"block_ttl"`
}

// Classifier holds per-category thresholds keyed by reason name.
type Classifier struct {
	Thresholds map[string]float64 `yaml:"thresholds"`
	Timeout    time.Duration      `yaml:"timeout"`
}

// Blacklist holds blacklist settings.
type Blacklist struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Policy is the decoded file. Every section is optional.
type Policy struct {
	RateLimits map[string]Rule `yaml:"rate_limits"`
	Classifier Classifier      `yaml:"classifier"`
	Escalation Escalation      `yaml:"escalation"`
	Blacklist  Blacklist       `yaml:"blacklist"`
}

// Load reads and validates the policy at path.
func Load(path string) (Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := Parse(f)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a policy document. Unknown fields are rejected.
func Parse(r io.Reader) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, err
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	for name, r := range p.RateLimits {
		if _, err := domain.ParseKeyClass(name); err != nil {
			return domain.ConfigValidationError{Field: "rate_limits", Value: name, Reason: "unknown key class"}
		}
		if r.Limit <= 0 {
			return domain.ConfigValidationError{Field: "rate_limits." + name + ".limit", Value: r.Limit, Reason: "must be positive"}
		}
	}
	if _, err := p.Thresholds(); err != nil {
		return err
	}
	if e := p.Escalation; e.Threshold != nil && *e.Threshold <= 0 {
		return domain.ConfigValidationError{Field: "escalation.threshold", Value: *e.Threshold, Reason: "must be positive"}
	}
	if e := p.Escalation; e.BlockTTL != nil && *e.BlockTTL < 0 {
		return domain.ConfigValidationError{Field: "escalation.block_ttl", Value: *e.BlockTTL, Reason: "must not be negative"}
	}
	if p.Blacklist.DefaultTTL < 0 {
		return domain.ConfigValidationError{Field: "blacklist.default_ttl", Value: p.Blacklist.DefaultTTL, Reason: "must not be negative"}
	}
	if p.Classifier.Timeout < 0 {
		return domain.ConfigValidationError{Field: "classifier.timeout", Value: p.Classifier.Timeout, Reason: "must not be negative"}
	}
	return nil
}

// Thresholds converts the classifier section. Category names accept the
// same spellings as the API.
func (p Policy) Thresholds() (classifier.Thresholds, error) {
	out := make(classifier.Thresholds, len(p.Classifier.Thresholds))
	for name, v := range p.Classifier.Thresholds {
		cat, err := domain.ParseReason(name)
		if err != nil {
			return nil, domain.ConfigValidationError{Field: "classifier.thresholds", Value: name, Reason: "unknown category"}
		}
		out[cat] = v
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// RateLimitConfig merges the rate_limits section over base.
func (p Policy) RateLimitConfig(base ratelimit.Config) ratelimit.Config {
	out := ratelimit.Config{Version: base.Version, Rules: make(map[domain.KeyClass]ratelimit.Rule, len(base.Rules))}
	for k, v := range base.Rules {
		out.Rules[k] = v
	}
	for name, r := range p.RateLimits {
		class, err := domain.ParseKeyClass(name)
		if err != nil {
			continue
		}
		cur := out.Rules[class]
		cur.Limit = r.Limit
		if r.Window > 0 {
			cur.Window = r.Window
		}
		out.Rules[class] = cur
	}
	return out
}

// GuardConfig merges the escalation section over base.
func (p Policy) GuardConfig(base guard.Config) guard.Config {
	if e := p.Escalation; e.Threshold != nil {
		base.EscalationThreshold = *e.Threshold
	}
	if e := p.Escalation; e.AutoBlacklist != nil {
		base.AutoBlacklist = *e.AutoBlacklist
	}
	if e := p.Escalation; e.BlockTTL != nil {
		base.BlockTTL = *e.BlockTTL
	}
	return base
}

// Targets are the live components a policy is applied to. Nil targets are skipped.
type Targets struct {
	Limiter    *ratelimit.Limiter
	Classifier *classifier.Adapter
	Guard      *guard.Orchestrator
}

// Apply pushes the policy into t. Rate limits are validated against the
// limiter's bounds; on error nothing from that section is applied.
func (p Policy) Apply(t Targets) error {
	if t.Limiter != nil && len(p.RateLimits) > 0 {
		if _, err := t.Limiter.Replace(p.RateLimitConfig(t.Limiter.Config())); err != nil {
			return err
		}
	}
	if t.Classifier != nil && len(p.Classifier.Thresholds) > 0 {
		th, err := p.Thresholds()
		if err != nil {
			return err
		}
		if _, err := t.Classifier.SetThresholds(th); err != nil {
			return err
		}
	}
	if t.Guard != nil {
		t.Guard.SetConfig(p.GuardConfig(t.Guard.Config()))
	}
	return nil
}
