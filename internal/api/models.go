// Package api serves the local HTTP surface of the daemon: probes, metrics,
// read views over the activity store and event ingestion for editor plugins.
package api

import (
	"github.com/p-blackswan/codetime/internal/activity"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// ActiveEvent is the body of POST /api/v1/events/active.
type ActiveEvent struct {
	Project string `json:"project"`
}

// LinesEvent is the body of POST /api/v1/events/lines.
type LinesEvent struct {
	Project   string `json:"project"`
	Path      string `json:"path"`
	Extension string `json:"extension,omitempty"`
	Added     int64  `json:"added"`
	Removed   int64  `json:"removed"`
}

// BranchEvent is the body of POST /api/v1/events/branch.
type BranchEvent struct {
	Project string `json:"project"`
	Branch  string `json:"branch"`
}

// CommitEvent is the body of POST /api/v1/events/commit.
type CommitEvent struct {
	Project string                `json:"project"`
	Commit  activity.CommitRecord `json:"commit"`
}

// APIKeyRequest is the body of PUT /api/v1/api-key. An empty key clears it.
type APIKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// TodayResponse is returned by GET /api/v1/today.
type TodayResponse struct {
	TotalSeconds int64 `json:"totalSeconds"`
}

// ProjectResponse is returned by GET /api/v1/projects/:name.
type ProjectResponse struct {
	Project        string `json:"project"`
	TodaySeconds   int64  `json:"todaySeconds"`
	UnsavedSeconds int64  `json:"unsavedSeconds"`
}

// SyncResponse is returned by POST /api/v1/sync.
type SyncResponse struct {
	Result         string `json:"result"`
	DrainedSeconds int64  `json:"drainedSeconds"`
	CatchUpHours   int    `json:"catchUpHours"`
	Replayed       int    `json:"replayed"`
	LiveSent       int    `json:"liveSent"`
	Queued         int    `json:"queued"`
}
