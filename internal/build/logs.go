package build

// AppendLog appends an entry with a fresh id and timestamp. processID may be
// empty for orchestrator messages.
func (r *Registry) AppendLog(projectID string, typ LogType, content, processID string) LogEntry {
	var entry LogEntry
	r.update(projectID, func(st *ProjectBuildState) bool {
		entry = appendEntry(st, r.newEntry(typ, content, processID))
		return true
	})
	return entry
}

// ClearLogs empties the project's log buffer.
func (r *Registry) ClearLogs(projectID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.Logs = []LogEntry{}
		st.attemptStart = 0
		return true
	})
}

// Logs returns a copy of the log buffer starting at offset.
func (r *Registry) Logs(projectID string, offset int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	logs := r.load(projectID).Logs
	if offset < 0 {
		offset = 0
	}
	if offset >= len(logs) {
		return []LogEntry{}
	}
	return append([]LogEntry(nil), logs[offset:]...)
}

// SetCurrentProcess records the subprocess producing output for the current
// story. An empty id clears it.
func (r *Registry) SetCurrentProcess(projectID, processID string) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		st.CurrentProcessID = processID
		return true
	})
}

// appendEntry keeps timestamps non-decreasing so insertion order always
// matches timestamp order even if the wall clock steps backwards.
func appendEntry(st *ProjectBuildState, entry LogEntry) LogEntry {
	if n := len(st.Logs); n > 0 && entry.Timestamp.Before(st.Logs[n-1].Timestamp) {
		entry.Timestamp = st.Logs[n-1].Timestamp
	}
	st.Logs = append(st.Logs, entry)
	return entry
}
