package build

// SetCurrentStory marks storyID as the story under execution. An empty id
// clears it. Switching to a different story starts a new attempt window in
// the log buffer; re-selecting the same story keeps the window so a retry's
// transcript includes everything logged since the previous failure.
func (r *Registry) SetCurrentStory(projectID, storyID, title string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		if storyID != st.CurrentStoryID {
			st.attemptStart = len(st.Logs)
		}
		st.CurrentStoryID = storyID
		if storyID == "" {
			st.CurrentStoryTitle = ""
		} else {
			st.CurrentStoryTitle = title
		}
		return true
	})
}

// SetStoryStatus overwrites a story's status. No transition validation.
func (r *Registry) SetStoryStatus(projectID, storyID string, status StoryStatus) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.StoryStatuses[storyID] = status
		return true
	})
}

// ResetStoryStatuses clears every tracked story status.
func (r *Registry) ResetStoryStatuses(projectID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.StoryStatuses = map[string]StoryStatus{}
		return true
	})
}

// EffectiveStatus is the displayed status of storyID given its passes flag.
func (r *Registry) EffectiveStatus(projectID, storyID string, passes bool) StoryStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).EffectiveStatus(storyID, passes)
}
