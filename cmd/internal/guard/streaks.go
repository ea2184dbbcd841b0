package guard

import (
	"time"

	"shield/cmd/internal/domain"
	"shield/cmd/internal/shardmap"
)

type streak struct {
	n    int
	last time.Time
}

// streaks counts consecutive rate-limit blocks per identity.
type streaks struct {
	m *shardmap.Map[streak]
}

func newStreaks() *streaks {
	return &streaks{m: shardmap.New[streak](shardmap.DefaultShards)}
}

// observe records one verdict and returns the current run of blocks.
// A non-block verdict ends the run.
func (s *streaks) observe(id domain.Identity, blocked bool, now time.Time) int {
	if !blocked {
		s.m.Delete(id.String())
		return 0
	}
	return s.m.Compute(id.String(), func(cur streak, _ bool) (streak, bool) {
		cur.n++
		cur.last = now
		return cur, true
	}).n
}

func (s *streaks) reset(id domain.Identity) {
	s.m.Delete(id.String())
}

func (s *streaks) sweep(cutoff time.Time) int {
	return s.m.DeleteIf(func(_ string, st streak) bool { return st.last.Before(cutoff) })
}
