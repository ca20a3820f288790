package build

// RetryStory resets a story to pending and bumps its retry count. Archived
// transcripts are kept.
func (r *Registry) RetryStory(projectID, storyID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.StoryStatuses[storyID] = StoryPending
		info := st.StoryRetries[storyID]
		info.RetryCount++
		if info.PreviousLogs == nil {
			info.PreviousLogs = [][]LogEntry{}
		}
		st.StoryRetries[storyID] = info
		return true
	})
	r.metrics.RecordRetry()
	r.logger.Info().Str("project_id", projectID).Str("story_id", storyID).Msg("story queued for retry")
}

// RestoreRetryInfo sets a story's retry count from durable storage without
// touching transcripts already held in memory.
func (r *Registry) RestoreRetryInfo(projectID, storyID string, retryCount int) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		restoreRetry(st, storyID, retryCount)
		return true
	})
}

func restoreRetry(st *ProjectBuildState, storyID string, retryCount int) {
	if retryCount < 0 {
		retryCount = 0
	}
	info := st.StoryRetries[storyID]
	info.RetryCount = retryCount
	if info.PreviousLogs == nil {
		info.PreviousLogs = [][]LogEntry{}
	}
	st.StoryRetries[storyID] = info
}

// RetryInfo returns a copy of the ledger entry for storyID.
func (r *Registry) RetryInfo(projectID, storyID string) (RetryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.load(projectID).StoryRetries[storyID]
	if !ok {
		return RetryInfo{}, false
	}
	prev := make([][]LogEntry, len(info.PreviousLogs))
	for i, attempt := range info.PreviousLogs {
		prev[i] = append([]LogEntry(nil), attempt...)
	}
	return RetryInfo{RetryCount: info.RetryCount, PreviousLogs: prev}, true
}

// SetStorySnapshot records the rollback point taken before storyID runs.
func (r *Registry) SetStorySnapshot(projectID, storyID string, snap Snapshot) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.StorySnapshots[storyID] = snap
		return true
	})
}

// GetStorySnapshot returns the recorded rollback point, if any.
func (r *Registry) GetStorySnapshot(projectID, storyID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.load(projectID).StorySnapshots[storyID]
	return snap, ok
}

// ClearStorySnapshot forgets the rollback point for storyID.
func (r *Registry) ClearStorySnapshot(projectID, storyID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		if _, ok := st.StorySnapshots[storyID]; !ok {
			return false
		}
		delete(st.StorySnapshots, storyID)
		return true
	})
}

// archiveAttempt appends the current attempt's transcript to the story's
// ledger entry and opens a new attempt window.
func archiveAttempt(st *ProjectBuildState, storyID string) {
	start := st.attemptStart
	if start > len(st.Logs) {
		start = len(st.Logs)
	}
	transcript := append([]LogEntry(nil), st.Logs[start:]...)

	info := st.StoryRetries[storyID]
	info.PreviousLogs = append(info.PreviousLogs, transcript)
	st.StoryRetries[storyID] = info
	st.attemptStart = len(st.Logs)
}
