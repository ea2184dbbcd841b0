package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield/cmd/internal/blacklist"
	"shield/cmd/internal/classifier"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/eventlog"
	"shield/cmd/internal/guard"
	"shield/cmd/internal/ratelimit"
)

const sample = `
rate_limits:
  ip:
    limit: 150
  user:
    limit: 30
    window: 30s
classifier:
  timeout: 80ms
  thresholds:
    Brute Force Attack: 0.9
    anomaly: 0.8
escalation:
  threshold: 5
  auto_blacklist: false
  block_ttl: 15m
blacklist:
  default_ttl: 2h
`

func TestParse(t *testing.T) {
	t.Parallel()

	p, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, 150, p.RateLimits["ip"].Limit)
	assert.Equal(t, 30*time.Second, p.RateLimits["user"].Window)
	assert.Equal(t, 80*time.Millisecond, p.Classifier.Timeout)
	assert.Equal(t, 2*time.Hour, p.Blacklist.DefaultTTL)

	th, err := p.Thresholds()
	require.NoError(t, err)
	assert.InDelta(t, 0.9, th[domain.ReasonBruteForce], 1e-9)
	assert.InDelta(t, 0.8, th[domain.ReasonAnomaly], 1e-9)

	cfg := p.GuardConfig(guard.DefaultConfig())
	assert.Equal(t, 5, cfg.EscalationThreshold)
	assert.False(t, cfg.AutoBlacklist)
	assert.Equal(t, 15*time.Minute, cfg.BlockTTL)
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	p, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, guard.DefaultConfig(), p.GuardConfig(guard.DefaultConfig()))
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown field":    "rate_limit:\n  ip:\n    limit: 1\n",
		"unknown class":    "rate_limits:\n  mac:\n    limit: 10\n",
		"zero limit":       "rate_limits:\n  ip:\n    limit: 0\n",
		"unknown category": "classifier:\n  thresholds:\n    phishing: 0.5\n",
		"threshold range":  "classifier:\n  thresholds:\n    ddos: 1.2\n",
		"non-threat":       "classifier:\n  thresholds:\n    manual: 0.5\n",
		"escalation count": "escalation:\n  threshold: 0\n",
		"negative ttl":     "blacklist:\n  default_ttl: -1m\n",
		"malformed":        "rate_limits: [\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(strings.NewReader(doc))
			require.Error(t, err)
		})
	}

	_, err := Parse(strings.NewReader("escalation:\n  threshold: -2\n"))
	assert.True(t, errors.Is(err, domain.ErrConfigValidation))
}

func TestLoadAndApply(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	p, err := Load(path)
	require.NoError(t, err)

	lim, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)
	adapter, err := classifier.NewAdapter(classifier.Func(func(context.Context, domain.Request) (classifier.Score, error) {
		return classifier.Score{}, nil
	}))
	require.NoError(t, err)
	events, err := eventlog.New(10)
	require.NoError(t, err)
	g, err := guard.New(guard.Deps{Blacklist: blacklist.New(), Limiter: lim, Events: events}, guard.DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, p.Apply(Targets{Limiter: lim, Classifier: adapter, Guard: g}))

	cfg := lim.Config()
	assert.Equal(t, 150, cfg.Rules[domain.KeyClassIP].Limit)
	assert.Equal(t, time.Minute, cfg.Rules[domain.KeyClassIP].Window)
	assert.Equal(t, 30, cfg.Rules[domain.KeyClassUser].Limit)
	assert.Equal(t, 30*time.Second, cfg.Rules[domain.KeyClassUser].Window)
	assert.Equal(t, 200, cfg.Rules[domain.KeyClassJWT].Limit)

	assert.InDelta(t, 0.9, adapter.Thresholds()[domain.ReasonBruteForce], 1e-9)
	assert.InDelta(t, 0.87, adapter.Thresholds()[domain.ReasonBotDetection], 1e-9)
	assert.Equal(t, 5, g.Config().EscalationThreshold)
}

func TestApplyRejectsOutOfBoundsLimits(t *testing.T) {
	t.Parallel()

	p, err := Parse(strings.NewReader("rate_limits:\n  ip:\n    limit: 5000\n"))
	require.NoError(t, err)

	lim, err := ratelimit.New(ratelimit.DefaultConfig())
	require.NoError(t, err)

	err = p.Apply(Targets{Limiter: lim})
	require.ErrorIs(t, err, domain.ErrConfigValidation)
	assert.Equal(t, 100, lim.Config().Rules[domain.KeyClassIP].Limit)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
