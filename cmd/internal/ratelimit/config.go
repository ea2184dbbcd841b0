package ratelimit

import (
	"fmt"
	"maps"
	"time"

	"shield/cmd/internal/domain"
)

const (
	// DefaultWindow is the counting interval for every key class.
	DefaultWindow = time.Minute

	DefaultIPLimit   = 100
	DefaultUserLimit = 50
	DefaultJWTLimit  = 200

	minWindow = time.Second
	maxWindow = time.Hour
)

// Rule is the limit applied to one key class.
type Rule struct {
	Limit  int           `json:"limit" yaml:"limit"`
	Window time.Duration `json:"window" yaml:"window"`
}

// WarnAt is the highest count that is still answered with Allow (floor(0.8*limit)).
func (r Rule) WarnAt() int { return r.Limit * 4 / 5 }

// Bounds are the accepted limit range for a key class.
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// DefaultBounds mirror the operator console slider ranges.
func DefaultBounds() map[domain.KeyClass]Bounds {
	return map[domain.KeyClass]Bounds{
		domain.KeyClassIP:   {Min: 10, Max: 500},
		domain.KeyClassUser: {Min: 10, Max: 300},
		domain.KeyClassJWT:  {Min: 50, Max: 1000},
	}
}

// Config is an immutable, versioned rule set. Limiter swaps whole Config
// values; a published Config is never mutated.
type Config struct {
	Version uint64                   `json:"version"`
	Rules   map[domain.KeyClass]Rule `json:"rules"`
}

// DefaultConfig returns 100/50/200 requests per minute for IP/User/JWT.
func DefaultConfig() Config {
	return Config{
		Version: 1,
		Rules: map[domain.KeyClass]Rule{
			domain.KeyClassIP:   {Limit: DefaultIPLimit, Window: DefaultWindow},
			domain.KeyClassUser: {Limit: DefaultUserLimit, Window: DefaultWindow},
			domain.KeyClassJWT:  {Limit: DefaultJWTLimit, Window: DefaultWindow},
		},
	}
}

// Rule returns the rule for class.
func (c Config) Rule(class domain.KeyClass) (Rule, bool) {
	r, ok := c.Rules[class]
	return r, ok
}

func (c Config) clone() Config {
	return Config{Version: c.Version, Rules: maps.Clone(c.Rules)}
}

// with returns a copy of c with class set to r and the version bumped.
func (c Config) with(class domain.KeyClass, r Rule) Config {
	next := c.clone()
	if next.Rules == nil {
		next.Rules = make(map[domain.KeyClass]Rule)
	}
	next.Rules[class] = r
	next.Version++
	return next
}

func validateRule(class domain.KeyClass, r Rule, bounds map[domain.KeyClass]Bounds) error {
	b, ok := bounds[class]
	if !ok {
		return domain.ConfigValidationError{Field: "key_class", Value: class, Reason: "unsupported key class"}
	}
	if r.Limit < b.Min || r.Limit > b.Max {
		return domain.ConfigValidationError{
			Field:  fmt.Sprintf("%s.limit", class),
			Value:  r.Limit,
			Reason: fmt.Sprintf("must be within [%d, %d]", b.Min, b.Max),
		}
	}
	if r.Window < minWindow || r.Window > maxWindow {
		return domain.ConfigValidationError{
			Field:  fmt.Sprintf("%s.window", class),
			Value:  r.Window,
			Reason: fmt.Sprintf("must be within [%s, %s]", minWindow, maxWindow),
		}
	}
	return nil
}

// Validate checks every rule of c against bounds and requires all key classes.
func (c Config) Validate(bounds map[domain.KeyClass]Bounds) error {
	for _, class := range domain.KeyClasses() {
		r, ok := c.Rules[class]
		if !ok {
			return domain.ConfigValidationError{Field: "rules", Value: class, Reason: "missing rule"}
		}
		if err := validateRule(class, r, bounds); err != nil {
			return err
		}
	}
	return nil
}
