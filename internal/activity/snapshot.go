// Package activity holds the durable, hour-bucketed record of per-project
// activity: the snapshot merge rules and the LocalActivityStore document.
package activity

// CommitRecord is the metadata of one version-control commit. Hash is the
// identity; records are never modified once stored.
type CommitRecord struct {
	Hash              string `json:"hash"`
	Message           string `json:"message"`
	Author            string `json:"author"`
	TimestampMillis   int64  `json:"timestampMillis"`
	ChangedFilesCount int    `json:"changedFilesCount"`
	Branch            string `json:"branch"`
}

// BranchTime is the active time spent on one branch within a bucket.
type BranchTime struct {
	Branch  string `json:"branch"`
	Seconds int64  `json:"seconds"`
}

// Snapshot is the activity of one project within one hour bucket.
type Snapshot struct {
	RecordID       string         `json:"recordId,omitempty"`
	CodedSeconds   int64          `json:"codedSeconds"`
	Additions      int64          `json:"additions"`
	Removals       int64          `json:"removals"`
	Reported       bool           `json:"reported"`
	BranchActivity []BranchTime   `json:"branchActivity,omitempty"`
	Commits        []CommitRecord `json:"commits,omitempty"`
}

// IsEmpty reports whether the snapshot carries no activity at all.
func (s Snapshot) IsEmpty() bool {
	return s.CodedSeconds == 0 && s.Additions == 0 && s.Removals == 0 &&
		len(s.BranchActivity) == 0 && len(s.Commits) == 0
}

// Merge folds o into s. Counters are summed, branch seconds are summed by
// branch name, commits are unioned by hash. The record id is first-writer-wins
// and the reported flag never goes back to false.
func (s *Snapshot) Merge(o Snapshot) {
	if s.RecordID == "" {
		s.RecordID = o.RecordID
	}
	s.CodedSeconds += o.CodedSeconds
	s.Additions += o.Additions
	s.Removals += o.Removals
	s.Reported = s.Reported || o.Reported
	s.BranchActivity = mergeBranches(s.BranchActivity, o.BranchActivity)
	s.Commits = mergeCommits(s.Commits, o.Commits)
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.BranchActivity != nil {
		out.BranchActivity = append([]BranchTime(nil), s.BranchActivity...)
	}
	if s.Commits != nil {
		out.Commits = append([]CommitRecord(nil), s.Commits...)
	}
	return out
}

// BranchSeconds returns the seconds recorded for branch.
func (s Snapshot) BranchSeconds(branch string) int64 {
	for _, b := range s.BranchActivity {
		if b.Branch == branch {
			return b.Seconds
		}
	}
	return 0
}

func mergeBranches(dst, src []BranchTime) []BranchTime {
	if len(src) == 0 {
		return dst
	}
	idx := make(map[string]int, len(dst))
	for i, b := range dst {
		idx[b.Branch] = i
	}
	for _, b := range src {
		if i, ok := idx[b.Branch]; ok {
			dst[i].Seconds += b.Seconds
			continue
		}
		idx[b.Branch] = len(dst)
		dst = append(dst, b)
	}
	return dst
}

func mergeCommits(dst, src []CommitRecord) []CommitRecord {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]struct{}, len(dst))
	for _, c := range dst {
		seen[c.Hash] = struct{}{}
	}
	for _, c := range src {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		seen[c.Hash] = struct{}{}
		dst = append(dst, c)
	}
	return dst
}
