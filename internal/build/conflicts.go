package build

// AddConflictedBranch records a branch needing manual resolution. Adding a
// branch name that is already tracked is a no-op.
func (r *Registry) AddConflictedBranch(projectID string, conflict ConflictedBranch) {
	var count int
	changed := r.update(projectID, func(st *ProjectBuildState) bool {
		for _, c := range st.ConflictedBranches {
			if c.BranchName == conflict.BranchName {
				return false
			}
		}
		st.ConflictedBranches = append(st.ConflictedBranches, conflict)
		count = len(st.ConflictedBranches)
		return true
	})
	if changed {
		r.metrics.SetConflictedBranches(projectID, count)
		r.logger.Warn().
			Str("project_id", projectID).
			Str("story_id", conflict.StoryID).
			Str("branch", conflict.BranchName).
			Msg("branch marked conflicted")
	}
}

// RemoveConflictedBranch drops a tracked branch by name. No-op if absent.
func (r *Registry) RemoveConflictedBranch(projectID, branchName string) {
	var count int
	changed := r.update(projectID, func(st *ProjectBuildState) bool {
		kept := make([]ConflictedBranch, 0, len(st.ConflictedBranches))
		for _, c := range st.ConflictedBranches {
			if c.BranchName != branchName {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(st.ConflictedBranches) {
			return false
		}
		st.ConflictedBranches = kept
		count = len(kept)
		return true
	})
	if changed {
		r.metrics.SetConflictedBranches(projectID, count)
	}
}

// ClearConflictedBranches empties the conflict set.
func (r *Registry) ClearConflictedBranches(projectID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.ConflictedBranches = []ConflictedBranch{}
		return true
	})
	r.metrics.SetConflictedBranches(projectID, 0)
}

// IsBranchConflicted reports whether branchName is tracked as conflicted.
func (r *Registry) IsBranchConflicted(projectID, branchName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.load(projectID).ConflictedBranches {
		if c.BranchName == branchName {
			return true
		}
	}
	return false
}
