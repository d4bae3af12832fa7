package activity

import (
	"sort"
	"time"

	"github.com/p-blackswan/codetime/internal/hourkey"
)

// LocalBucket is one hour of activity rendered in the host time zone.
type LocalBucket struct {
	HourKey  hourkey.Key         `json:"hourKey"`
	Projects map[string]Snapshot `json:"projects"`
}

// AllDataInLocalTimezone returns the store contents keyed by local wall-clock
// hour, newest first. Two UTC hours that land on the same local hour (a DST
// fall-back) are merged.
func (s *Store) AllDataInLocalTimezone() []LocalBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[hourkey.Key]map[string]Snapshot, len(s.state.HourlyActivity))
	for key, bucket := range s.state.HourlyActivity {
		local, err := hourkey.UTCToLocal(key, s.loc)
		if err != nil {
			continue
		}
		dst := merged[local]
		if dst == nil {
			dst = make(map[string]Snapshot, len(bucket))
			merged[local] = dst
		}
		for project, snap := range bucket {
			cur, ok := dst[project]
			if !ok {
				dst[project] = snap.Clone()
				continue
			}
			cur.Merge(snap.Clone())
			dst[project] = cur
		}
	}

	out := make([]LocalBucket, 0, len(merged))
	for key, projects := range merged {
		out = append(out, LocalBucket{HourKey: key, Projects: projects})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HourKey > out[j].HourKey })
	return out
}

// DaySeconds sums coded seconds per project over the local calendar date of
// day.
func (s *Store) DaySeconds(day time.Time) (int64, map[string]int64) {
	date := hourkey.LocalDate(day, s.loc)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	perProject := make(map[string]int64)
	for key, bucket := range s.state.HourlyActivity {
		local, err := hourkey.UTCToLocal(key, s.loc)
		if err != nil || local.Date() != date {
			continue
		}
		for project, snap := range bucket {
			total += snap.CodedSeconds
			perProject[project] += snap.CodedSeconds
		}
	}
	return total, perProject
}
