package agentproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/store"
)

// DefaultKillTimeout is how long Kill waits after the interrupt before
// killing the process group outright.
const DefaultKillTimeout = 5 * time.Second

// maxLineSize bounds a single streamed output line.
const maxLineSize = 1 << 20

// Command describes a process to spawn.
type Command struct {
	// ProcessID is assigned by Spawn when empty. Callers that must route the
	// exit before the process can finish reserve one with NewProcessID.
	ProcessID  string
	Executable string
	Args       []string
	WorkDir    string
	Env        []string // appended to the supervisor's environment

	ProcessType string // build, setup, ...
	Label       string
	AgentID     string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Executable + " " + strings.Join(c.Args, " "))
}

// Sink receives process output and exit notifications. *build.Registry
// satisfies it.
type Sink interface {
	AppendLog(projectID string, typ build.LogType, content, processID string) build.LogEntry
	HandleProcessExit(projectID string, info build.ExitInfo) bool
}

// HistoryRecorder persists finished processes. *store.Store satisfies it.
type HistoryRecorder interface {
	RecordProcess(ctx context.Context, e store.ProcessHistoryEntry) error
}

// Handle is a running (or finished) process.
type Handle struct {
	ID        string
	ProjectID string
	Command   Command
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
	exit build.ExitInfo
}

// Pid returns the operating system process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its exit was delivered.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) (build.ExitInfo, error) {
	select {
	case <-h.done:
		return h.exit, nil
	case <-ctx.Done():
		return build.ExitInfo{}, ctx.Err()
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHistory records every finished process.
func WithHistory(h HistoryRecorder) Option {
	return func(s *Supervisor) { s.history = h }
}

// WithKillTimeout overrides DefaultKillTimeout.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.killTimeout = d
		}
	}
}

// WithIDGenerator overrides uuid process ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Supervisor) { s.newID = fn }
}

// Supervisor starts agent processes, streams their output into a Sink and
// reports their exits.
type Supervisor struct {
	mu          sync.Mutex
	procs       map[string]*Handle
	sink        Sink
	history     HistoryRecorder
	killTimeout time.Duration
	newID       func() string
	logger      zerolog.Logger
}

// New creates a Supervisor.
func New(sink Sink, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:       make(map[string]*Handle),
		sink:        sink,
		killTimeout: DefaultKillTimeout,
		newID:       uuid.NewString,
		logger:      logger.With().Str("component", "agentproc").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewProcessID returns a fresh id for Command.ProcessID.
func (s *Supervisor) NewProcessID() string {
	return s.newID()
}

// Spawn starts cmd for projectID. The process is not tied to ctx: it keeps
// running until it exits or is killed.
func (s *Supervisor) Spawn(ctx context.Context, projectID string, cmd Command) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Executable == "" {
		return nil, fmt.Errorf("executable is required: %w", perrors.ErrInvalidInput)
	}
	if cmd.WorkDir != "" {
		if info, err := os.Stat(cmd.WorkDir); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory %s: %w", cmd.WorkDir, perrors.ErrNotFound)
		}
	}

	c := exec.Command(cmd.Executable, cmd.Args...)
	c.Dir = cmd.WorkDir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	setProcessGroup(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := c.Start(); err != nil {
		return nil, perrors.NewCollaboratorError("process", "spawn",
			fmt.Sprintf("failed to spawn process '%s'", cmd.Executable), err)
	}

	id := cmd.ProcessID
	if id == "" {
		id = s.newID()
	}
	h := &Handle{
		ID:        id,
		ProjectID: projectID,
		Command:   cmd,
		StartedAt: time.Now(),
		cmd:       c,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[h.ID] = h
	s.mu.Unlock()

	s.logger.Info().
		Str("project_id", projectID).
		Str("process_id", h.ID).
		Int("pid", c.Process.Pid).
		Str("command", cmd.String()).
		Msg("process started")

	var streams sync.WaitGroup
	streams.Add(2)
	go s.stream(&streams, h, build.LogStdout, stdout)
	go s.stream(&streams, h, build.LogStderr, stderr)
	go s.wait(&streams, h)

	return h, nil
}

func (s *Supervisor) stream(wg *sync.WaitGroup, h *Handle, typ build.LogType, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.sink.AppendLog(h.ProjectID, typ, scanner.Text(), h.ID)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Warn().Err(err).Str("process_id", h.ID).Str("stream", string(typ)).Msg("output stream failed")
	}
}

// wait drains both streams before reaping so no output is lost, then
// records the process and delivers the exit.
func (s *Supervisor) wait(streams *sync.WaitGroup, h *Handle) {
	streams.Wait()
	err := h.cmd.Wait()
	completed := time.Now()

	info := build.ExitInfo{ProcessID: h.ID, Success: err == nil}
	if ps := h.cmd.ProcessState; ps != nil {
		// -1 means the process was terminated by a signal
		if code := ps.ExitCode(); code >= 0 {
			info.ExitCode = &code
		}
	}
	h.exit = info

	s.mu.Lock()
	delete(s.procs, h.ID)
	s.mu.Unlock()

	log := s.logger.Info()
	if !info.Success {
		log = s.logger.Warn().Err(err)
	}
	log.Str("project_id", h.ProjectID).
		Str("process_id", h.ID).
		Dur("duration", completed.Sub(h.StartedAt)).
		Bool("success", info.Success).
		Msg("process exited")

	s.record(h, info, completed)
	s.sink.HandleProcessExit(h.ProjectID, info)
	close(h.done)
}

func (s *Supervisor) record(h *Handle, info build.ExitInfo, completed time.Time) {
	if s.history == nil {
		return
	}
	entry := store.ProcessHistoryEntry{
		ProcessID:   h.ID,
		ProjectID:   h.ProjectID,
		ProcessType: h.Command.ProcessType,
		Label:       h.Command.Label,
		AgentID:     h.Command.AgentID,
		Command:     h.Command.String(),
		StartedAt:   h.StartedAt.UnixMilli(),
		CompletedAt: completed.UnixMilli(),
		DurationMs:  completed.Sub(h.StartedAt).Milliseconds(),
		ExitCode:    info.ExitCode,
		Success:     info.Success,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.history.RecordProcess(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("process_id", h.ID).Msg("failed to record process history")
	}
}

// Kill interrupts the process group and kills it if it is still alive after
// the kill timeout. It returns immediately; use the handle to wait.
func (s *Supervisor) Kill(processID string) error {
	s.mu.Lock()
	h, ok := s.procs[processID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %s: %w", processID, perrors.ErrNotFound)
	}

	pid := h.cmd.Process.Pid
	if err := interruptGroup(pid); err != nil {
		s.logger.Debug().Err(err).Str("process_id", processID).Msg("interrupt failed, killing")
		_ = killGroup(pid)
		return nil
	}

	go func() {
		select {
		case <-h.done:
		case <-time.After(s.killTimeout):
			s.logger.Warn().Str("process_id", processID).Msg("process ignored interrupt, killing")
			_ = killGroup(pid)
		}
	}()
	return nil
}

// KillAll kills every running process and waits for them to exit or for ctx
// to be done.
func (s *Supervisor) KillAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		_ = s.Kill(h.ID)
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Running returns the ids of processes that have not exited, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
