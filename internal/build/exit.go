package build

import "fmt"

// HandleProcessExit routes an exit notification to the project's current
// story. Exits from any process other than the current one are stale and are
// dropped without touching state. It reports whether the event was applied.
func (r *Registry) HandleProcessExit(projectID string, info ExitInfo) bool {
	var (
		storyID string
		failed  bool
	)
	applied := r.update(projectID, func(st *ProjectBuildState) bool {
		if info.ProcessID == "" || info.ProcessID != st.CurrentProcessID {
			return false
		}

		appendEntry(st, r.newEntry(LogSystem, exitMessage(info), info.ProcessID))

		storyID = st.CurrentStoryID
		if storyID != "" {
			if !info.Success {
				failed = true
				st.StoryStatuses[storyID] = StoryFailed
				archiveAttempt(st, storyID)
				st.CurrentProcessID = ""
				// CurrentStoryID stays set so the failed story remains selectable.
				return true
			}
			st.StoryStatuses[storyID] = StoryComplete
		}

		recorded := info
		if info.ExitCode != nil {
			code := *info.ExitCode
			recorded.ExitCode = &code
		}
		st.LastExitInfo = &recorded
		st.CurrentProcessID = ""
		return true
	})

	switch {
	case !applied:
		r.metrics.RecordProcessExit("stale")
		r.logger.Debug().
			Str("project_id", projectID).
			Str("process_id", info.ProcessID).
			Msg("discarding stale process exit")
	case failed:
		r.metrics.RecordProcessExit("failure")
		r.logger.Warn().
			Str("project_id", projectID).
			Str("story_id", storyID).
			Str("process_id", info.ProcessID).
			Msg("story failed")
	case info.Success:
		r.metrics.RecordProcessExit("success")
	default:
		r.metrics.RecordProcessExit("failure")
	}
	return applied
}

func exitMessage(info ExitInfo) string {
	if info.Success {
		return "Process completed successfully"
	}
	if info.ExitCode == nil {
		return "Process terminated without an exit code"
	}
	return fmt.Sprintf("Process failed with exit code %d", *info.ExitCode)
}
