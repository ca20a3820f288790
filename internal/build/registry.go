// Package build is the build orchestration state machine: per-project build
// lifecycle, story status tracking, retry and snapshot bookkeeping, conflicted
// branch tracking and process-exit routing.
//
// The Registry is the only owner of ProjectBuildState values. Every mutation
// is a reducer applied in place under one mutex, and readers only ever get
// copies, so observers never see a partially applied change. Operations
// never block and never return errors; failures belong to the collaborators
// that feed events in.
package build

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/metrics"
)

// Registry holds one ProjectBuildState per project id plus the set of
// projects that currently have an active build loop.
type Registry struct {
	mu          sync.Mutex
	states      map[string]*ProjectBuildState
	activeLoops map[string]struct{}

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithClock overrides the timestamp source for log entries.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the log entry id source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		states:      make(map[string]*ProjectBuildState),
		activeLoops: make(map[string]struct{}),
		logger:      logger.With().Str("component", "build.registry").Logger(),
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns a copy of the project's state, creating an idle one on first access.
func (r *Registry) State(projectID string) ProjectBuildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).Clone()
}

// Overview returns a copy of the project's state without logs or archived
// transcripts. Use it when only statuses and bookkeeping are needed.
func (r *Registry) Overview(projectID string) ProjectBuildState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).Overview()
}

// Status returns the project's build status.
func (r *Registry) Status(projectID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).Status
}

// CurrentProcess returns the id of the process running the current story.
func (r *Registry) CurrentProcess(projectID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).CurrentProcessID
}

// CurrentStory returns the id of the story under execution.
func (r *Registry) CurrentStory(projectID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(projectID).CurrentStoryID
}

// LogCount returns the length of the project's log buffer.
func (r *Registry) LogCount(projectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.load(projectID).Logs)
}

// Projects lists the ids of all projects the registry has seen.
func (r *Registry) Projects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// load returns the stored value for projectID. Caller holds r.mu.
func (r *Registry) load(projectID string) *ProjectBuildState {
	st, ok := r.states[projectID]
	if !ok {
		fresh := NewProjectBuildState()
		st = &fresh
		r.states[projectID] = st
	}
	return st
}

// update applies fn to the stored state under r.mu and reports whether fn
// made a change. fn must decide before it writes: returning false means the
// event was rejected and nothing was touched, which is how stale events are
// discarded. Values handed out by the Registry are copies, so writing in
// place never shows through to readers.
func (r *Registry) update(projectID string, fn func(st *ProjectBuildState) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.load(projectID))
}

// newEntry builds a log entry. Caller holds r.mu.
func (r *Registry) newEntry(typ LogType, content, processID string) LogEntry {
	return LogEntry{
		ID:        r.newID(),
		Timestamp: r.now(),
		Type:      typ,
		Content:   content,
		ProcessID: processID,
	}
}
