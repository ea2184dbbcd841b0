package operator

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultCacheTTL bounds how long a verified key skips Argon2id.
	DefaultCacheTTL = 5 * time.Minute

	maxCachedKeys = 64

	// DefaultOperatorName names the operator behind SHIELD_OPERATOR_KEY_HASH.
	DefaultOperatorName = "operator"
)

// Operator is a named key hash.
type Operator struct {
	Name string
	Hash string
}

type cachedKey struct {
	name  string
	until time.Time
}

// Authenticator resolves presented keys to operator names.
type Authenticator struct {
	cfg Config
	ops []Operator
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	cache map[[sha256.Size]byte]cachedKey
}

// NewAuthenticator validates every hash up front so a typo fails at startup.
func NewAuthenticator(cfg Config, ops []Operator, cacheTTL time.Duration) (*Authenticator, error) {
	if len(ops) == 0 {
		return nil, ErrNoOperators
	}
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if op.Name == "" || seen[op.Name] {
			return nil, fmt.Errorf("%w: duplicate or empty name %q", ErrInvalidKeySet, op.Name)
		}
		seen[op.Name] = true
		if _, _, _, err := decode(op.Hash); err != nil {
			return nil, fmt.Errorf("%w: operator %q: %w", ErrInvalidKeySet, op.Name, err)
		}
	}
	if cacheTTL < 0 {
		cacheTTL = 0
	}
	return &Authenticator{
		cfg:   cfg,
		ops:   append([]Operator(nil), ops...),
		ttl:   cacheTTL,
		now:   time.Now,
		cache: make(map[[sha256.Size]byte]cachedKey),
	}, nil
}

// Operators returns the configured operator names.
func (a *Authenticator) Operators() []string {
	out := make([]string, 0, len(a.ops))
	for _, op := range a.ops {
		out = append(out, op.Name)
	}
	return out
}

// Authenticate returns the operator name for key or ErrUnauthorized.
func (a *Authenticator) Authenticate(key string) (string, error) {
	key = strings.TrimSpace(key)
	// Length bounds are checked before any hashing.
	if key == "" || len(key) > a.cfg.Policy.MaxLength {
		return "", ErrUnauthorized
	}

	digest := sha256.Sum256([]byte(key))
	now := a.now()

	a.mu.Lock()
	if c, ok := a.cache[digest]; ok {
		if now.Before(c.until) {
			a.mu.Unlock()
			return c.name, nil
		}
		delete(a.cache, digest)
	}
	a.mu.Unlock()

	for _, op := range a.ops {
		ok, err := a.cfg.Verify(op.Hash, key)
		if err != nil || !ok {
			continue
		}
		a.remember(digest, op.Name, now)
		return op.Name, nil
	}
	return "", ErrUnauthorized
}

func (a *Authenticator) remember(digest [sha256.Size]byte, name string, now time.Time) {
	if a.ttl == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cache) >= maxCachedKeys {
		clear(a.cache)
	}
	a.cache[digest] = cachedKey{name: name, until: now.Add(a.ttl)}
}

// ParseKeySet parses "name=<hash>;name2=<hash>". Hashes contain '=' and ','
// so entries are split on ';' and names on the first '='.
func ParseKeySet(s string) ([]Operator, error) {
	var out []Operator
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, hash, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.Contains(name, "$") {
			return nil, fmt.Errorf("%w: entry %q", ErrInvalidKeySet, part)
		}
		out = append(out, Operator{Name: name, Hash: strings.TrimSpace(hash)})
	}
	return out, nil
}

// OperatorsFromEnv reads SHIELD_OPERATOR_KEY_HASH (a single key for
// DefaultOperatorName) and SHIELD_OPERATOR_KEYS (a named key set).
func OperatorsFromEnv() ([]Operator, error) {
	var ops []Operator
	if h := strings.TrimSpace(os.Getenv("SHIELD_OPERATOR_KEY_HASH")); h != "" {
		ops = append(ops, Operator{Name: DefaultOperatorName, Hash: h})
	}
	if v := os.Getenv("SHIELD_OPERATOR_KEYS"); strings.TrimSpace(v) != "" {
		more, err := ParseKeySet(v)
		if err != nil {
			return nil, fmt.Errorf("SHIELD_OPERATOR_KEYS: %w", err)
		}
		ops = append(ops, more...)
	}
	return ops, nil
}
