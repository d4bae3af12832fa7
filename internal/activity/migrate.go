package activity

import (
	"fmt"

	perrors "github.com/p-blackswan/codetime/internal/errors"
	"github.com/p-blackswan/codetime/internal/hourkey"
)

// MigrateLegacyTimezone rewrites every hour key of a legacy document from the
// host zone to UTC. Colliding buckets are merged. It is a no-op once the
// document is tagged UTC and returns the number of buckets rewritten.
func (s *Store) MigrateLegacyTimezone() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case PhaseUninitialized:
		return 0, fmt.Errorf("migrate: %w (phase %s)", perrors.ErrNotReady, s.phase)
	case PhaseReady:
		if s.state.TimezoneTag == TimezoneUTC {
			return 0, nil
		}
	}
	migrated, _ := s.migrateLocked()
	return migrated, nil
}

// migrateLocked builds the UTC map aside and swaps it in only when every key
// has been visited, so no write can observe mixed-zone keys.
func (s *Store) migrateLocked() (migrated, dropped int) {
	s.phase = PhaseMigrating

	next := make(map[hourkey.Key]map[string]*Snapshot, len(s.state.HourlyActivity))
	for key, bucket := range s.state.HourlyActivity {
		utc, err := hourkey.LocalToUTC(key, s.loc)
		if err != nil {
			s.logger.Warn().Err(err).Str("hour_key", string(key)).Msg("dropping unmigratable hour key")
			dropped++
			continue
		}
		for project, snap := range bucket {
			mergeInto(next, utc, project, *snap)
		}
		migrated++
	}

	s.state.HourlyActivity = next
	s.state.TimezoneTag = TimezoneUTC
	s.phase = PhaseReady
	return migrated, dropped
}
