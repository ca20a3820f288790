package build

import "time"

// Status is the lifecycle state of a project's build loop.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

// StoryStatus is the tracked build status of a single story.
type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryInProgress StoryStatus = "in-progress"
	StoryComplete   StoryStatus = "complete"
	StoryFailed     StoryStatus = "failed"
)

// Valid reports whether s is one of the known story statuses.
func (s StoryStatus) Valid() bool {
	switch s {
	case StoryPending, StoryInProgress, StoryComplete, StoryFailed:
		return true
	}
	return false
}

// LogType classifies a log entry.
type LogType string

const (
	LogStdout LogType = "stdout"
	LogStderr LogType = "stderr"
	LogSystem LogType = "system"
)

// SnapshotType is the kind of rollback point recorded before a story runs.
type SnapshotType string

const (
	SnapshotStash  SnapshotType = "stash"
	SnapshotCommit SnapshotType = "commit"
)

// LogEntry is one line of agent or orchestrator output. Immutable once appended.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      LogType   `json:"type"`
	Content   string    `json:"content"`
	ProcessID string    `json:"processId,omitempty"`
}

// RetryInfo is the retry ledger entry for one story.
type RetryInfo struct {
	RetryCount int `json:"retryCount"`
	// PreviousLogs holds one full transcript per failed attempt, oldest first.
	PreviousLogs [][]LogEntry `json:"previousLogs"`
}

// Snapshot is a pre-story rollback point.
type Snapshot struct {
	Ref  string       `json:"snapshotRef"`
	Type SnapshotType `json:"snapshotType"`
}

// ConflictedBranch is a story branch whose merge needs manual resolution.
type ConflictedBranch struct {
	StoryID    string `json:"storyId"`
	StoryTitle string `json:"storyTitle"`
	BranchName string `json:"branchName"`
}

// ExitInfo is an asynchronous process-exit notification.
type ExitInfo struct {
	ProcessID string `json:"processId"`
	ExitCode  *int   `json:"exitCode"`
	Success   bool   `json:"success"`
}

// ProjectBuildState is the per-project aggregate owned by the Registry.
// Values handed out by the Registry are deep copies.
type ProjectBuildState struct {
	Status             Status                 `json:"status"`
	CurrentStoryID     string                 `json:"currentStoryId,omitempty"`
	CurrentStoryTitle  string                 `json:"currentStoryTitle,omitempty"`
	CurrentProcessID   string                 `json:"currentProcessId,omitempty"`
	StoryStatuses      map[string]StoryStatus `json:"storyStatuses"`
	StoryRetries       map[string]RetryInfo   `json:"storyRetries"`
	StorySnapshots     map[string]Snapshot    `json:"storySnapshots"`
	Logs               []LogEntry             `json:"logs"`
	LastExitInfo       *ExitInfo              `json:"lastExitInfo,omitempty"`
	ConflictedBranches []ConflictedBranch     `json:"conflictedBranches"`

	// attemptStart is the index into Logs where the current attempt began.
	attemptStart int
}

// NewProjectBuildState returns an empty idle state.
func NewProjectBuildState() ProjectBuildState {
	return ProjectBuildState{
		Status:             StatusIdle,
		StoryStatuses:      map[string]StoryStatus{},
		StoryRetries:       map[string]RetryInfo{},
		StorySnapshots:     map[string]Snapshot{},
		Logs:               []LogEntry{},
		ConflictedBranches: []ConflictedBranch{},
	}
}

// Clone returns a deep copy. Log entries are values and never mutated, so
// transcripts share nothing with the original after cloning.
func (s ProjectBuildState) Clone() ProjectBuildState {
	return s.clone(true)
}

// Overview is a copy without the log buffer and archived transcripts. Retry
// counts, statuses and everything else are kept.
func (s ProjectBuildState) Overview() ProjectBuildState {
	return s.clone(false)
}

func (s ProjectBuildState) clone(withLogs bool) ProjectBuildState {
	out := s

	out.StoryStatuses = make(map[string]StoryStatus, len(s.StoryStatuses))
	for k, v := range s.StoryStatuses {
		out.StoryStatuses[k] = v
	}

	out.StoryRetries = make(map[string]RetryInfo, len(s.StoryRetries))
	for k, v := range s.StoryRetries {
		prev := [][]LogEntry{}
		if withLogs {
			prev = make([][]LogEntry, len(v.PreviousLogs))
			for i, attempt := range v.PreviousLogs {
				prev[i] = append([]LogEntry(nil), attempt...)
			}
		}
		out.StoryRetries[k] = RetryInfo{RetryCount: v.RetryCount, PreviousLogs: prev}
	}

	out.StorySnapshots = make(map[string]Snapshot, len(s.StorySnapshots))
	for k, v := range s.StorySnapshots {
		out.StorySnapshots[k] = v
	}

	out.Logs = []LogEntry{}
	if withLogs {
		out.Logs = append(make([]LogEntry, 0, len(s.Logs)), s.Logs...)
	}
	out.ConflictedBranches = append(make([]ConflictedBranch, 0, len(s.ConflictedBranches)), s.ConflictedBranches...)

	if s.LastExitInfo != nil {
		info := *s.LastExitInfo
		if info.ExitCode != nil {
			code := *info.ExitCode
			info.ExitCode = &code
		}
		out.LastExitInfo = &info
	}
	return out
}

// EffectiveStatus computes the displayed status of a story. A persisted
// passes flag always wins over anything tracked here.
func (s ProjectBuildState) EffectiveStatus(storyID string, passes bool) StoryStatus {
	if passes {
		return StoryComplete
	}
	if st, ok := s.StoryStatuses[storyID]; ok {
		return st
	}
	if storyID != "" && storyID == s.CurrentStoryID {
		return StoryInProgress
	}
	return StoryPending
}
