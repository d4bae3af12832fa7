package activity

import (
	"fmt"
	"sort"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/hourkey"
)

// CleanupOldEntries keeps the newest MaxSessions dates and removes every hour
// bucket of older dates. It returns the number of hour buckets removed.
func (s *Store) CleanupOldEntries() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseReady {
		return 0, fmt.Errorf("cleanup: %w (phase %s)", perrors.ErrNotReady, s.phase)
	}
	return s.cleanupLocked(), nil
}

func (s *Store) cleanupLocked() int {
	byDate := make(map[string][]hourkey.Key)
	for key := range s.state.HourlyActivity {
		byDate[key.Date()] = append(byDate[key.Date()], key)
	}
	if len(byDate) <= s.maxSessions {
		return 0
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))

	removed := 0
	for _, d := range dates[s.maxSessions:] {
		for _, key := range byDate[d] {
			delete(s.state.HourlyActivity, key)
			removed++
		}
	}
	s.logger.Info().
		Int("evicted_dates", len(dates)-s.maxSessions).
		Int("removed_buckets", removed).
		Msg("activity retention applied")
	return removed
}
