package build

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/metrics"
	"github.com/p-blackswan/storyforge/internal/retry"
)

// PersistedRetry is the durable part of a retry ledger entry.
type PersistedRetry struct {
	RetryCount int `json:"retryCount"`
}

// PersistedState is the durable checkpoint of a project's build. Logs and
// snapshot refs are runtime-only and never persisted.
type PersistedState struct {
	CurrentStoryID *string                   `json:"currentStoryId"`
	StoryStatuses  map[string]string         `json:"storyStatuses"`
	StoryRetries   map[string]PersistedRetry `json:"storyRetries"`
	BuildPhase     string                    `json:"buildPhase"`
}

// StateStore loads and saves checkpoints keyed by project path.
// LoadProjectState returns nil, nil when nothing has been saved yet.
type StateStore interface {
	LoadProjectState(ctx context.Context, projectPath string) (*PersistedState, error)
	SaveProjectState(ctx context.Context, projectPath string, state PersistedState) error
}

// Persisted extracts the durable subset of a state.
func (s ProjectBuildState) Persisted() PersistedState {
	out := PersistedState{
		StoryStatuses: make(map[string]string, len(s.StoryStatuses)),
		StoryRetries:  make(map[string]PersistedRetry, len(s.StoryRetries)),
		BuildPhase:    string(s.Status),
	}
	if s.CurrentStoryID != "" {
		id := s.CurrentStoryID
		out.CurrentStoryID = &id
	}
	for id, st := range s.StoryStatuses {
		out.StoryStatuses[id] = string(st)
	}
	for id, info := range s.StoryRetries {
		out.StoryRetries[id] = PersistedRetry{RetryCount: info.RetryCount}
	}
	return out
}

// Checkpointer rehydrates projects from a StateStore once per project path
// and writes checkpoints whenever the build is not running. Storage failures
// are logged and counted; the in-memory state stays authoritative.
type Checkpointer struct {
	registry *Registry
	store    StateStore
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	retryCfg retry.Config

	mu       sync.Mutex
	hydrated map[string]bool
}

// NewCheckpointer creates a checkpointer over store.
func NewCheckpointer(registry *Registry, store StateStore, retryCfg retry.Config, m *metrics.Metrics, logger zerolog.Logger) *Checkpointer {
	return &Checkpointer{
		registry: registry,
		store:    store,
		logger:   logger.With().Str("component", "build.checkpoint").Logger(),
		metrics:  m,
		retryCfg: retryCfg,
		hydrated: make(map[string]bool),
	}
}

// Rehydrate applies the saved checkpoint for projectPath to projectID. Only
// the first call per path does anything. It reports whether a checkpoint was
// applied.
func (c *Checkpointer) Rehydrate(ctx context.Context, projectID, projectPath string) bool {
	c.mu.Lock()
	if c.hydrated[projectPath] {
		c.mu.Unlock()
		return false
	}
	c.hydrated[projectPath] = true
	c.mu.Unlock()

	saved, err := c.store.LoadProjectState(ctx, projectPath)
	if err != nil {
		c.metrics.RecordCheckpointError("load")
		c.logger.Error().Err(err).Str("project_id", projectID).Str("path", projectPath).Msg("failed to load build state")
		return false
	}
	if saved == nil {
		return false
	}

	c.registry.applyPersisted(projectID, *saved)
	c.logger.Info().
		Str("project_id", projectID).
		Str("path", projectPath).
		Int("stories", len(saved.StoryStatuses)).
		Str("phase", saved.BuildPhase).
		Msg("build state rehydrated")
	return true
}

// Save writes the durable subset for projectID unless its build is running.
// It reports whether a checkpoint was written.
func (c *Checkpointer) Save(ctx context.Context, projectID, projectPath string) bool {
	st := c.registry.Overview(projectID)
	if st.Status == StatusRunning {
		return false
	}
	record := st.Persisted()

	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		return c.store.SaveProjectState(ctx, projectPath, record)
	})
	if err != nil {
		c.metrics.RecordCheckpointError("save")
		c.logger.Error().Err(err).Str("project_id", projectID).Str("path", projectPath).Msg("failed to save build state")
		return false
	}
	return true
}

// applyPersisted merges a checkpoint into the live state in one update.
// A saved running phase comes back paused because no loop survives a restart.
func (r *Registry) applyPersisted(projectID string, saved PersistedState) {
	r.update(projectID, func(st *ProjectBuildState) bool {
		if saved.CurrentStoryID != nil {
			if *saved.CurrentStoryID != st.CurrentStoryID {
				st.attemptStart = len(st.Logs)
			}
			st.CurrentStoryID = *saved.CurrentStoryID
		}
		for id, raw := range saved.StoryStatuses {
			if status := StoryStatus(raw); status.Valid() {
				st.StoryStatuses[id] = status
			}
		}
		for id, pr := range saved.StoryRetries {
			restoreRetry(st, id, pr.RetryCount)
		}
		switch Status(saved.BuildPhase) {
		case StatusIdle:
			st.Status = StatusIdle
		case StatusPaused, StatusRunning:
			st.Status = StatusPaused
		}
		return true
	})
}
