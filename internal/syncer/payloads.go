package syncer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/p-blackswan/codetime/internal/activity"
	"github.com/p-blackswan/codetime/internal/hourkey"
	"github.com/p-blackswan/codetime/internal/tracker"
)

// Payload kinds, also used as queue item kinds and metric labels.
const (
	KindTimeSpent = "time_spent"
	KindChanges   = "changes"
)

// TimeSpentEntry is one project's time in a time-spent payload. Entries
// carrying a RecordID replace the remote value for that record; entries
// without one are added to it.
type TimeSpentEntry struct {
	RecordID         string      `json:"recordId,omitempty"`
	HourKey          hourkey.Key `json:"hourKey"`
	DeltaSeconds     int64       `json:"deltaSeconds"`
	TotalHourSeconds int64       `json:"totalHourSeconds"`
}

// TimeSpentPayload maps project name to its entry.
type TimeSpentPayload map[string]TimeSpentEntry

// ChangeEntry is the line-change count of one file, or of a whole project
// hour under a synthetic "hour:" key.
type ChangeEntry struct {
	SamplingStartedAtMillis int64             `json:"samplingStartedAtMillis"`
	Additions               int64             `json:"additions"`
	Removals                int64             `json:"removals"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}

// ChangesPayload maps project name to file key to entry.
type ChangesPayload map[string]map[string]ChangeEntry

// outbound is a serialized payload ready to send or queue.
type outbound struct {
	kind string
	body []byte
}

func hourChangeKey(key hourkey.Key) string {
	return "hour:" + string(key)
}

// catchUpPayloads builds the replace-semantics payloads for one stored hour.
// The changes payload is nil when the hour has no line changes.
func catchUpPayloads(key hourkey.Key, bucket map[string]activity.Snapshot) (timeSpent, changes []byte, err error) {
	ts := make(TimeSpentPayload, len(bucket))
	ch := make(ChangesPayload)
	start, err := key.Start()
	if err != nil {
		return nil, nil, err
	}
	for project, snap := range bucket {
		ts[project] = TimeSpentEntry{
			RecordID:         snap.RecordID,
			HourKey:          key,
			DeltaSeconds:     snap.CodedSeconds,
			TotalHourSeconds: snap.CodedSeconds,
		}
		if snap.Additions == 0 && snap.Removals == 0 {
			continue
		}
		ch[project] = map[string]ChangeEntry{
			hourChangeKey(key): {
				SamplingStartedAtMillis: start.UnixMilli(),
				Additions:               snap.Additions,
				Removals:                snap.Removals,
				Metadata: map[string]string{
					"recordId": snap.RecordID,
					"hourKey":  string(key),
					"source":   "catch-up",
				},
			},
		}
	}

	timeSpent, err = json.Marshal(ts)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling time-spent payload: %w", err)
	}
	if len(ch) > 0 {
		changes, err = json.Marshal(ch)
		if err != nil {
			return nil, nil, fmt.Errorf("marshaling changes payload: %w", err)
		}
	}
	return timeSpent, changes, nil
}

// liveTime is a drained delta that landed in an already reported bucket.
type liveTime struct {
	key          hourkey.Key
	project      string
	seconds      int64
	totalSeconds int64
}

// livePayloads builds the add-semantics payloads of one cycle: one
// time-spent payload per hour, then one changes payload with every file.
func livePayloads(times []liveTime, files []tracker.FileSample, fileHour hourkey.Key) ([]outbound, error) {
	byHour := make(map[hourkey.Key]TimeSpentPayload)
	for _, lt := range times {
		if byHour[lt.key] == nil {
			byHour[lt.key] = make(TimeSpentPayload)
		}
		byHour[lt.key][lt.project] = TimeSpentEntry{
			HourKey:          lt.key,
			DeltaSeconds:     lt.seconds,
			TotalHourSeconds: lt.totalSeconds,
		}
	}
	hours := make([]hourkey.Key, 0, len(byHour))
	for k := range byHour {
		hours = append(hours, k)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })

	var out []outbound
	for _, k := range hours {
		body, err := json.Marshal(byHour[k])
		if err != nil {
			return nil, fmt.Errorf("marshaling time-spent payload: %w", err)
		}
		out = append(out, outbound{kind: KindTimeSpent, body: body})
	}

	if len(files) > 0 {
		ch := make(ChangesPayload)
		for _, f := range files {
			if ch[f.Project] == nil {
				ch[f.Project] = make(map[string]ChangeEntry)
			}
			meta := map[string]string{"hourKey": string(fileHour)}
			if f.Extension != "" {
				meta["extension"] = f.Extension
			}
			ch[f.Project][f.File] = ChangeEntry{
				SamplingStartedAtMillis: f.SamplingStartedAt.UnixMilli(),
				Additions:               f.Additions,
				Removals:                f.Removals,
				Metadata:                meta,
			}
		}
		body, err := json.Marshal(ch)
		if err != nil {
			return nil, fmt.Errorf("marshaling changes payload: %w", err)
		}
		out = append(out, outbound{kind: KindChanges, body: body})
	}
	return out, nil
}
