package build

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/storyforge/internal/metrics"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	var seq int64
	return NewRegistry(zerolog.Nop(),
		WithMetrics(metrics.New()),
		WithIDGenerator(func() string {
			return fmt.Sprintf("log-%d", atomic.AddInt64(&seq, 1))
		}),
	)
}

func exitCode(c int) *int { return &c }

func TestStateCreatedLazily(t *testing.T) {
	r := newTestRegistry(t)
	assert.Empty(t, r.Projects())

	st := r.State("P")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Empty(t, st.StoryStatuses)
	assert.Empty(t, st.Logs)
	assert.Equal(t, []string{"P"}, r.Projects())
}

func TestStateIsACopy(t *testing.T) {
	r := newTestRegistry(t)
	r.SetStoryStatus("P", "S1", StoryFailed)
	r.AppendLog("P", LogStdout, "hello", "")

	st := r.State("P")
	st.StoryStatuses["S1"] = StoryComplete
	st.Logs[0].Content = "mutated"
	st.Status = StatusRunning

	fresh := r.State("P")
	assert.Equal(t, StoryFailed, fresh.StoryStatuses["S1"])
	assert.Equal(t, "hello", fresh.Logs[0].Content)
	assert.Equal(t, StatusIdle, fresh.Status)
}

func TestTryStartBuild_SingleActiveLoop(t *testing.T) {
	r := newTestRegistry(t)

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryStartBuild("P") {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
	assert.True(t, r.IsBuildLoopActive("P"))
	assert.False(t, r.TryStartBuild("P"))

	r.ReleaseBuildLoop("P")
	r.ReleaseBuildLoop("P")
	assert.False(t, r.IsBuildLoopActive("P"))
	assert.True(t, r.TryStartBuild("P"))
}

func TestTryStartBuild_ScopedPerProject(t *testing.T) {
	r := newTestRegistry(t)
	assert.True(t, r.TryStartBuild("P1"))
	assert.True(t, r.TryStartBuild("P2"))
	assert.False(t, r.TryStartBuild("P1"))
}

func TestTryStartBuild_IndependentOfStatus(t *testing.T) {
	r := newTestRegistry(t)
	require.True(t, r.TryStartBuild("P"))
	r.CancelBuild("P")

	assert.Equal(t, StatusIdle, r.State("P").Status)
	assert.False(t, r.TryStartBuild("P"), "cancel must not release the gate")
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRegistry(t)

	r.StartBuild("P")
	assert.Equal(t, StatusRunning, r.State("P").Status)
	r.PauseBuild("P")
	assert.Equal(t, StatusPaused, r.State("P").Status)
	r.ResumeBuild("P")
	assert.Equal(t, StatusRunning, r.State("P").Status)

	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p1")
	r.CancelBuild("P")

	st := r.State("P")
	assert.Equal(t, StatusIdle, st.Status)
	assert.Empty(t, st.CurrentStoryID)
	assert.Empty(t, st.CurrentStoryTitle)
	assert.Empty(t, st.CurrentProcessID)
}

func TestSetStoryStatus_NoValidation(t *testing.T) {
	r := newTestRegistry(t)
	r.SetStoryStatus("P", "S1", StoryComplete)
	r.SetStoryStatus("P", "S1", StoryPending)
	r.SetStoryStatus("P", "S1", StoryFailed)
	assert.Equal(t, StoryFailed, r.State("P").StoryStatuses["S1"])
}

func TestEffectiveStatus(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, StoryPending, r.EffectiveStatus("P", "S1", false))

	r.SetCurrentStory("P", "S1", "Login")
	assert.Equal(t, StoryInProgress, r.EffectiveStatus("P", "S1", false))
	assert.Equal(t, StoryPending, r.EffectiveStatus("P", "S2", false))

	r.SetStoryStatus("P", "S1", StoryFailed)
	assert.Equal(t, StoryFailed, r.EffectiveStatus("P", "S1", false))

	// passes always wins
	assert.Equal(t, StoryComplete, r.EffectiveStatus("P", "S1", true))
	r.SetStoryStatus("P", "S1", StoryInProgress)
	assert.Equal(t, StoryComplete, r.EffectiveStatus("P", "S1", true))
}

func TestResetStoryStatuses_PassesStillWins(t *testing.T) {
	r := newTestRegistry(t)
	r.SetStoryStatus("P", "S1", StoryComplete)
	r.SetStoryStatus("P", "S2", StoryPending)

	r.ResetStoryStatuses("P")

	assert.Equal(t, StoryPending, r.EffectiveStatus("P", "S1", false))
	assert.Equal(t, StoryPending, r.EffectiveStatus("P", "S2", false))
	assert.Equal(t, StoryComplete, r.EffectiveStatus("P", "S1", true))
}

func TestAppendLog_OrderAndIDs(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.AppendLog("P", LogStdout, fmt.Sprintf("line %d", i), "p1")
		}(i)
	}
	wg.Wait()

	logs := r.State("P").Logs
	require.Len(t, logs, 50)

	seen := map[string]bool{}
	for i, e := range logs {
		assert.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
		if i > 0 {
			assert.False(t, e.Timestamp.Before(logs[i-1].Timestamp))
		}
	}
}

func TestAppendLog_ClockStepsBackwards(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Minute)}
	var i int
	r := NewRegistry(zerolog.Nop(), WithClock(func() time.Time {
		t := times[i%len(times)]
		i++
		return t
	}))

	r.AppendLog("P", LogStdout, "a", "")
	second := r.AppendLog("P", LogStdout, "b", "")

	assert.Equal(t, base, second.Timestamp)
	assert.Equal(t, base, r.State("P").Logs[1].Timestamp)
}

func TestLogsOffsetAndClear(t *testing.T) {
	r := newTestRegistry(t)
	r.AppendLog("P", LogStdout, "a", "")
	r.AppendLog("P", LogStderr, "b", "")
	r.AppendLog("P", LogSystem, "c", "")

	tail := r.Logs("P", 1)
	require.Len(t, tail, 2)
	assert.Equal(t, "b", tail[0].Content)
	assert.Empty(t, r.Logs("P", 10))

	r.ClearLogs("P")
	assert.Empty(t, r.State("P").Logs)
}

// A failed attempt is archived; retry bumps the count only.
func TestFailThenRetry(t *testing.T) {
	r := newTestRegistry(t)

	r.SetCurrentStory("P", "S1", "Login")
	require.True(t, r.TryStartBuild("P"))
	r.SetCurrentProcess("P", "p1")
	r.AppendLog("P", LogStdout, "working", "p1")

	applied := r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(1), Success: false})
	require.True(t, applied)

	st := r.State("P")
	assert.Equal(t, StoryFailed, st.StoryStatuses["S1"])
	require.Len(t, st.StoryRetries["S1"].PreviousLogs, 1)
	assert.Equal(t, 0, st.StoryRetries["S1"].RetryCount)
	assert.Empty(t, st.CurrentProcessID)
	assert.Equal(t, "S1", st.CurrentStoryID, "failed story stays current")
	assert.Nil(t, st.LastExitInfo, "failure path does not record last exit")

	transcript := st.StoryRetries["S1"].PreviousLogs[0]
	require.Len(t, transcript, 2)
	assert.Equal(t, "working", transcript[0].Content)
	assert.Equal(t, LogSystem, transcript[1].Type)
	assert.Contains(t, transcript[1].Content, "exit code 1")

	r.RetryStory("P", "S1")
	st = r.State("P")
	assert.Equal(t, StoryPending, st.StoryStatuses["S1"])
	assert.Equal(t, 1, st.StoryRetries["S1"].RetryCount)
	assert.Len(t, st.StoryRetries["S1"].PreviousLogs, 1)
}

func TestRetryPreservesHistoryAcrossSecondFailure(t *testing.T) {
	r := newTestRegistry(t)

	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p1")
	r.AppendLog("P", LogStdout, "attempt one", "p1")
	r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(2)})

	r.RetryStory("P", "S1")
	r.AppendLog("P", LogSystem, "retrying", "")
	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p2")
	r.AppendLog("P", LogStdout, "attempt two", "p2")
	r.HandleProcessExit("P", ExitInfo{ProcessID: "p2", ExitCode: exitCode(3)})

	info, ok := r.RetryInfo("P", "S1")
	require.True(t, ok)
	assert.Equal(t, 1, info.RetryCount)
	require.Len(t, info.PreviousLogs, 2)

	first := info.PreviousLogs[0]
	assert.Equal(t, "attempt one", first[0].Content)

	second := info.PreviousLogs[1]
	var contents []string
	for _, e := range second {
		contents = append(contents, e.Content)
	}
	assert.Equal(t, []string{"retrying", "attempt two", "Process failed with exit code 3"}, contents)
}

func TestRetryStory_NeverFailed(t *testing.T) {
	r := newTestRegistry(t)
	r.RetryStory("P", "S9")
	info, ok := r.RetryInfo("P", "S9")
	require.True(t, ok)
	assert.Equal(t, 1, info.RetryCount)
	assert.Empty(t, info.PreviousLogs)
	assert.Equal(t, StoryPending, r.State("P").StoryStatuses["S9"])
}

func TestRestoreRetryInfo_KeepsTranscripts(t *testing.T) {
	r := newTestRegistry(t)
	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p1")
	r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(1)})

	r.RestoreRetryInfo("P", "S1", 4)
	info, _ := r.RetryInfo("P", "S1")
	assert.Equal(t, 4, info.RetryCount)
	assert.Len(t, info.PreviousLogs, 1)

	r.RestoreRetryInfo("P", "S2", -3)
	info, _ = r.RetryInfo("P", "S2")
	assert.Equal(t, 0, info.RetryCount)
}

func TestHandleProcessExit_StaleIsImmune(t *testing.T) {
	r := newTestRegistry(t)
	r.StartBuild("P")
	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "A")
	r.AppendLog("P", LogStdout, "output", "A")
	before := r.State("P")

	assert.False(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "B", ExitCode: exitCode(1)}))
	assert.False(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "B", ExitCode: exitCode(0), Success: true}))
	assert.False(t, r.HandleProcessExit("P", ExitInfo{ProcessID: ""}))

	assert.Equal(t, before, r.State("P"))
}

func TestHandleProcessExit_AfterCancelIsStale(t *testing.T) {
	r := newTestRegistry(t)
	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p1")
	r.CancelBuild("P")

	assert.False(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(137)}))
	_, tracked := r.State("P").StoryStatuses["S1"]
	assert.False(t, tracked)
}

func TestHandleProcessExit_Success(t *testing.T) {
	r := newTestRegistry(t)
	r.SetCurrentStory("P", "S1", "Login")
	r.SetCurrentProcess("P", "p1")

	require.True(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(0), Success: true}))

	st := r.State("P")
	assert.Equal(t, StoryComplete, st.StoryStatuses["S1"])
	assert.Empty(t, st.CurrentProcessID)
	require.NotNil(t, st.LastExitInfo)
	assert.Equal(t, "p1", st.LastExitInfo.ProcessID)
	assert.Equal(t, 0, *st.LastExitInfo.ExitCode)
	assert.Empty(t, st.StoryRetries)

	last := st.Logs[len(st.Logs)-1]
	assert.Equal(t, LogSystem, last.Type)
	assert.Equal(t, "p1", last.ProcessID)
}

func TestHandleProcessExit_NoCurrentStory(t *testing.T) {
	r := newTestRegistry(t)
	r.SetCurrentProcess("P", "p1")

	require.True(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "p1"}))

	st := r.State("P")
	assert.Empty(t, st.StoryStatuses)
	assert.Empty(t, st.CurrentProcessID)
	require.NotNil(t, st.LastExitInfo)
	assert.Nil(t, st.LastExitInfo.ExitCode)
	assert.Equal(t, "Process terminated without an exit code", st.Logs[0].Content)
}

func TestTranscriptScopedToStory(t *testing.T) {
	r := newTestRegistry(t)

	r.SetCurrentStory("P", "S1", "First")
	r.SetCurrentProcess("P", "p1")
	r.AppendLog("P", LogStdout, "s1 output", "p1")
	r.HandleProcessExit("P", ExitInfo{ProcessID: "p1", ExitCode: exitCode(0), Success: true})

	r.SetCurrentStory("P", "S2", "Second")
	r.SetCurrentProcess("P", "p2")
	r.AppendLog("P", LogStdout, "s2 output", "p2")
	r.HandleProcessExit("P", ExitInfo{ProcessID: "p2", ExitCode: exitCode(1)})

	info, _ := r.RetryInfo("P", "S2")
	require.Len(t, info.PreviousLogs, 1)
	assert.Equal(t, "s2 output", info.PreviousLogs[0][0].Content)
	assert.Len(t, info.PreviousLogs[0], 2)
}

func TestSnapshots(t *testing.T) {
	r := newTestRegistry(t)

	_, ok := r.GetStorySnapshot("P", "S1")
	assert.False(t, ok)

	r.SetStorySnapshot("P", "S1", Snapshot{Ref: "abc123", Type: SnapshotCommit})
	snap, ok := r.GetStorySnapshot("P", "S1")
	require.True(t, ok)
	assert.Equal(t, "abc123", snap.Ref)
	assert.Equal(t, SnapshotCommit, snap.Type)

	r.ClearStorySnapshot("P", "S1")
	r.ClearStorySnapshot("P", "S1")
	_, ok = r.GetStorySnapshot("P", "S1")
	assert.False(t, ok)
}

func TestConflictedBranches(t *testing.T) {
	r := newTestRegistry(t)
	c := ConflictedBranch{StoryID: "S1", StoryTitle: "Login", BranchName: "story/s1"}

	r.AddConflictedBranch("P", c)
	r.AddConflictedBranch("P", c)
	r.AddConflictedBranch("P", ConflictedBranch{StoryID: "S1", StoryTitle: "renamed", BranchName: "story/s1"})
	require.Len(t, r.State("P").ConflictedBranches, 1)
	assert.Equal(t, "Login", r.State("P").ConflictedBranches[0].StoryTitle)
	assert.True(t, r.IsBranchConflicted("P", "story/s1"))

	r.AddConflictedBranch("P", ConflictedBranch{StoryID: "S2", BranchName: "story/s2"})
	r.RemoveConflictedBranch("P", "story/missing")
	assert.Len(t, r.State("P").ConflictedBranches, 2)

	r.RemoveConflictedBranch("P", "story/s1")
	assert.False(t, r.IsBranchConflicted("P", "story/s1"))
	assert.Len(t, r.State("P").ConflictedBranches, 1)

	r.ClearConflictedBranches("P")
	assert.Empty(t, r.State("P").ConflictedBranches)
}

func TestAppendLog_CostIndependentOfBufferSize(t *testing.T) {
	r := NewRegistry(zerolog.Nop(), WithIDGenerator(func() string { return "id" }))
	for i := 0; i < 20000; i++ {
		r.AppendLog("P", LogStdout, "line", "proc")
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	for i := 0; i < 1000; i++ {
		r.AppendLog("P", LogStdout, "line", "proc")
	}
	runtime.ReadMemStats(&after)

	// copying a 20k entry buffer per append would allocate well over 1GB here
	allocated := after.TotalAlloc - before.TotalAlloc
	assert.Less(t, allocated, uint64(64<<20), "allocated %d bytes for 1000 appends", allocated)
	assert.Equal(t, 21000, r.LogCount("P"))
}

func TestCopiesAreIsolatedFromLaterWrites(t *testing.T) {
	r := newTestRegistry(t)
	r.SetStoryStatus("P", "S1", StoryInProgress)
	r.AppendLog("P", LogSystem, "one", "")

	st := r.State("P")
	overview := r.Overview("P")

	r.SetStoryStatus("P", "S1", StoryComplete)
	r.AppendLog("P", LogSystem, "two", "")
	st.StoryStatuses["S2"] = StoryFailed
	st.Logs[0].Content = "changed"

	assert.Equal(t, StoryInProgress, st.StoryStatuses["S1"])
	assert.Len(t, st.Logs, 1)
	assert.Equal(t, StoryInProgress, overview.StoryStatuses["S1"])
	assert.Empty(t, overview.Logs)

	live := r.State("P")
	assert.Equal(t, StoryComplete, live.StoryStatuses["S1"])
	assert.NotContains(t, live.StoryStatuses, "S2")
	require.Len(t, live.Logs, 2)
	assert.Equal(t, "one", live.Logs[0].Content)
}

func TestFieldAccessors(t *testing.T) {
	r := newTestRegistry(t)
	assert.Equal(t, StatusIdle, r.Status("P"))
	assert.Empty(t, r.CurrentProcess("P"))
	assert.Empty(t, r.CurrentStory("P"))
	assert.Equal(t, 0, r.LogCount("P"))

	r.StartBuild("P")
	r.SetCurrentStory("P", "S1", "First")
	r.SetCurrentProcess("P", "proc-1")
	r.AppendLog("P", LogStdout, "out", "proc-1")

	assert.Equal(t, StatusRunning, r.Status("P"))
	assert.Equal(t, "proc-1", r.CurrentProcess("P"))
	assert.Equal(t, "S1", r.CurrentStory("P"))
	assert.Equal(t, 1, r.LogCount("P"))
}

func TestOverviewKeepsRetryCounts(t *testing.T) {
	r := newTestRegistry(t)
	r.StartBuild("P")
	r.SetCurrentStory("P", "S1", "First")
	r.SetCurrentProcess("P", "proc-1")
	r.AppendLog("P", LogStdout, "boom", "proc-1")
	require.True(t, r.HandleProcessExit("P", ExitInfo{ProcessID: "proc-1", ExitCode: exitCode(1)}))
	r.RetryStory("P", "S1")

	overview := r.Overview("P")
	assert.Equal(t, 1, overview.StoryRetries["S1"].RetryCount)
	assert.Empty(t, overview.StoryRetries["S1"].PreviousLogs)
	assert.Empty(t, overview.Logs)

	info, ok := r.RetryInfo("P", "S1")
	require.True(t, ok)
	assert.Len(t, info.PreviousLogs, 1)
}
