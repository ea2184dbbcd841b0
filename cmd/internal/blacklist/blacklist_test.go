package blacklist

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shield/cmd/internal/clock"
	"shield/cmd/internal/domain"
	"shield/cmd/internal/ids"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type changeLog struct {
	mu  sync.Mutex
	ops []Op
}

func (c *changeLog) listen(ch Change) {
	c.mu.Lock()
	c.ops = append(c.ops, ch.Op)
	c.mu.Unlock()
}

func (c *changeLog) snapshot() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

func newManager(t *testing.T, opts ...Option) (*Manager, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return New(append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestBlockThenCheckUntilExpiry(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	e, err := m.Block(BlockRequest{Key: "1.2.3.4", Reason: domain.ReasonBruteForce, Source: SourceAutomatic, TTL: time.Minute})
	require.NoError(t, err)
	assert.True(t, ids.Valid(e.ID))
	assert.Equal(t, t0.Add(time.Minute), e.ExpiresAt)
	assert.True(t, m.CheckBlocked(domain.KeyClassIP, "1.2.3.4"))

	clk.Advance(59 * time.Second)
	assert.True(t, m.CheckBlocked(domain.KeyClassIP, "1.2.3.4"))

	clk.Advance(time.Second)
	assert.False(t, m.CheckBlocked(domain.KeyClassIP, "1.2.3.4"), "expiresAt <= now is expired")
	assert.Equal(t, 0, m.Len(), "lazy expiry removes the entry")
}

func TestManualBlockUnblockedEarly(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	_, err := m.Block(BlockRequest{Key: "10.0.0.5", TTL: 60 * time.Second})
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	e, ok := m.Unblock(domain.KeyClassIP, "10.0.0.5")
	require.True(t, ok)
	assert.Equal(t, SourceManual, e.Source)
	assert.Equal(t, domain.ReasonManual, e.Reason)
	assert.False(t, m.CheckBlocked(domain.KeyClassIP, "10.0.0.5"))
}

func TestUnblockAbsentIsFalse(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	_, ok := m.Unblock(domain.KeyClassIP, "nobody")
	assert.False(t, ok)

	_, err := m.UnblockID("01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUnblockByID(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	e, err := m.Block(BlockRequest{Key: "user-7", KeyClass: domain.KeyClassUser, TTL: time.Hour})
	require.NoError(t, err)

	got, err := m.UnblockID(e.ID)
	require.NoError(t, err)
	assert.Equal(t, e, got)
	assert.False(t, m.CheckBlocked(domain.KeyClassUser, "user-7"))
}

func TestBlockRefreshKeepsSingleEntry(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	first, err := m.Block(BlockRequest{Key: "k", Reason: domain.ReasonRateLimit, Source: SourceAutomatic, TTL: time.Minute})
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	second, err := m.Block(BlockRequest{Key: "k", Reason: domain.ReasonManual, Source: SourceManual, TTL: 10 * time.Minute})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, domain.ReasonManual, second.Reason)
	assert.Equal(t, clk.Now().Add(10*time.Minute), second.ExpiresAt)
	assert.Equal(t, 1, m.Len())
	require.Len(t, m.List(), 1)
}

func TestBlockAfterExpiryCreatesNewEntry(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	first, err := m.Block(BlockRequest{Key: "k", TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	second, err := m.Block(BlockRequest{Key: "k", TTL: time.Minute})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, clk.Now(), second.CreatedAt)
}

func TestBlockValidatesAndDefaults(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, WithDefaultTTL(15*time.Minute))
	_, err := m.Block(BlockRequest{})
	require.ErrorIs(t, err, domain.ErrConfigValidation)

	e, err := m.Block(BlockRequest{Key: "x"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), e.ExpiresAt)
	assert.Equal(t, 15*time.Minute, e.Remaining(t0))
	assert.Equal(t, time.Duration(0), e.Remaining(t0.Add(time.Hour)))
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	log := &changeLog{}
	m, clk := newManager(t, WithListener(log.listen))
	for i, ttl := range []time.Duration{time.Minute, 2 * time.Minute, time.Hour} {
		_, err := m.Block(BlockRequest{Key: fmt.Sprintf("k%d", i), TTL: ttl})
		require.NoError(t, err)
	}

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, m.SweepExpired())
	assert.Equal(t, 0, m.SweepExpired(), "re-entrant sweep is a no-op")
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, []Op{OpAdded, OpAdded, OpAdded, OpExpired, OpExpired}, log.snapshot())
}

func TestSweepDoesNotEvictRefreshedEntry(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	_, err := m.Block(BlockRequest{Key: "hot", TTL: time.Minute})
	require.NoError(t, err)
	clk.Advance(time.Minute)

	// Refresh lands before the sweep takes the shard lock.
	_, err = m.Block(BlockRequest{Key: "hot", TTL: time.Minute})
	require.NoError(t, err)
	assert.False(t, m.expire("hot", clk.Now()))
	assert.Equal(t, 0, m.SweepExpired())
	assert.True(t, m.CheckBlocked(domain.KeyClassIP, "hot"))
}

func TestListOrderedAndSkipsExpired(t *testing.T) {
	t.Parallel()

	m, clk := newManager(t)
	for _, tc := range []struct {
		key string
		ttl time.Duration
	}{{"c", 3 * time.Minute}, {"a", time.Minute}, {"b", 2 * time.Minute}} {
		_, err := m.Block(BlockRequest{Key: tc.key, TTL: tc.ttl})
		require.NoError(t, err)
	}
	clk.Advance(time.Minute)
	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Key)
	assert.Equal(t, "c", list[1].Key)
}

func TestClearAndRestore(t *testing.T) {
	t.Parallel()

	log := &changeLog{}
	m, _ := newManager(t, WithListener(log.listen))
	_, err := m.Block(BlockRequest{Key: "a"})
	require.NoError(t, err)
	_, err = m.Block(BlockRequest{Key: "b"})
	require.NoError(t, err)
	snapshot := m.List()

	assert.Equal(t, 2, m.Clear())
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, OpCleared, log.snapshot()[2])

	stale := Entry{Key: "old", CreatedAt: t0.Add(-2 * time.Hour), ExpiresAt: t0.Add(-time.Hour)}
	noID := Entry{Key: "c", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}
	n := m.Restore(append(snapshot, stale, noID, Entry{}))
	assert.Equal(t, 3, n)
	assert.Len(t, log.snapshot(), 3, "restore is silent")

	e, ok := m.Lookup(domain.KeyClassIP, "c")
	require.True(t, ok)
	assert.True(t, ids.Valid(e.ID))
	assert.False(t, m.CheckBlocked(domain.KeyClassIP, "old"))
}

func TestConcurrentBlockUnblockSameKey(t *testing.T) {
	t.Parallel()

	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%3 == 0 {
					m.Unblock(domain.KeyClassIP, "shared")
					continue
				}
				_, err := m.Block(BlockRequest{Key: "shared", Source: SourceAutomatic, Reason: domain.ReasonDDoS})
				assert.NoError(t, err)
				m.CheckBlocked(domain.KeyClassIP, fmt.Sprintf("other-%d", i))
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Len(), 1)
}

func TestEntriesAreScopedByKeyClass(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	user, err := m.Block(BlockRequest{Key: "10.3.3.3", KeyClass: domain.KeyClassUser, Source: SourceAutomatic, Reason: domain.ReasonRateLimit})
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{Class: domain.KeyClassUser, Key: "10.3.3.3"}, user.Identity())

	assert.True(t, m.CheckBlocked(domain.KeyClassUser, "10.3.3.3"))
	assert.False(t, m.CheckBlocked(domain.KeyClassIP, "10.3.3.3"))
	assert.False(t, m.CheckBlocked(domain.KeyClassJWT, "10.3.3.3"))

	// No class means IP; it does not touch the user entry.
	ip, err := m.Block(BlockRequest{Key: "10.3.3.3"})
	require.NoError(t, err)
	assert.Equal(t, domain.KeyClassIP, ip.KeyClass)
	assert.NotEqual(t, user.ID, ip.ID)
	assert.Equal(t, 2, m.Len())

	_, ok := m.Unblock(domain.KeyClassIP, "10.3.3.3")
	require.True(t, ok)
	assert.True(t, m.CheckBlocked(domain.KeyClassUser, "10.3.3.3"))

	_, err = m.Block(BlockRequest{Key: "x", KeyClass: "asn"})
	require.ErrorIs(t, err, domain.ErrConfigValidation)
}

func TestRestoreDefaultsClassAndSkipsUnknown(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t)
	n := m.Restore([]Entry{
		{ID: ids.MustULID(t0), Key: "legacy", Reason: domain.ReasonManual, Source: SourceManual, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
		{Key: "odd", KeyClass: "asn", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)},
	})
	assert.Equal(t, 1, n)
	e, ok := m.Lookup(domain.KeyClassIP, "legacy")
	require.True(t, ok)
	assert.Equal(t, domain.KeyClassIP, e.KeyClass)
}
