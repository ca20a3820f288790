package build

// TryStartBuild admits a build loop for projectID. It returns false without
// changing anything if a loop is already active for the project. The gate is
// independent of Status: a paused or idle project can still hold the gate.
func (r *Registry) TryStartBuild(projectID string) bool {
	r.mu.Lock()
	_, active := r.activeLoops[projectID]
	if !active {
		r.activeLoops[projectID] = struct{}{}
	}
	r.mu.Unlock()

	r.metrics.RecordBuildAdmission(!active)
	if active {
		r.logger.Debug().Str("project_id", projectID).Msg("build loop already active, start rejected")
		return false
	}
	return true
}

// ReleaseBuildLoop removes projectID from the active loop set. Idempotent.
func (r *Registry) ReleaseBuildLoop(projectID string) {
	r.mu.Lock()
	delete(r.activeLoops, projectID)
	r.mu.Unlock()
}

// IsBuildLoopActive reports whether projectID currently holds the gate.
func (r *Registry) IsBuildLoopActive(projectID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.activeLoops[projectID]
	return ok
}

// StartBuild sets the project status to running.
func (r *Registry) StartBuild(projectID string) {
	r.setStatus(projectID, StatusRunning)
}

// PauseBuild sets the project status to paused.
func (r *Registry) PauseBuild(projectID string) {
	r.setStatus(projectID, StatusPaused)
}

// ResumeBuild sets the project status back to running.
func (r *Registry) ResumeBuild(projectID string) {
	r.setStatus(projectID, StatusRunning)
}

// CancelBuild sets the project idle and clears the current story and process.
// It neither kills the process nor releases the gate; callers do both.
func (r *Registry) CancelBuild(projectID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.Status = StatusIdle
		st.CurrentStoryID = ""
		st.CurrentStoryTitle = ""
		st.CurrentProcessID = ""
		return true
	})
}

func (r *Registry) setStatus(projectID string, status Status) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		if st.Status == status {
			return false
		}
		st.Status = status
		return true
	})
}
