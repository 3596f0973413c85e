package loop_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"loopline/internal/agent"
	"loopline/internal/config"
	"loopline/internal/db"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/livelog"
	"loopline/internal/loop"
)

// stubRunner scripts agent behavior per run and records what it was asked.
type stubRunner struct {
	mu           sync.Mutex
	onRun        func(run int, p agent.RunParams) error
	instructions []string
	injected     []string
	terminated   bool
	killed       bool
}

func (s *stubRunner) Run(ctx context.Context, p agent.RunParams) error {
	s.mu.Lock()
	run := len(s.instructions)
	s.instructions = append(s.instructions, p.Instruction)
	onRun := s.onRun
	s.mu.Unlock()

	if p.OnEvent != nil {
		p.OnEvent(domain.LogAgentAction, "[Edit] main.py")
	}
	if p.NextMessages != nil {
		msgs := p.NextMessages()
		s.mu.Lock()
		s.injected = append(s.injected, msgs...)
		s.mu.Unlock()
	}
	if onRun != nil {
		return onRun(run, p)
	}
	return nil
}

func (s *stubRunner) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
}

func (s *stubRunner) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed = true
}

func (s *stubRunner) runCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instructions)
}

// stubChecks replays scripted validation results; the first call is the
// baseline capture. The last result repeats when the script runs out.
type stubChecks struct {
	mu      sync.Mutex
	results []domain.ValidationResult
	calls   int
}

func (s *stubChecks) Run(ctx context.Context) domain.ValidationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func passing() domain.ValidationResult {
	return domain.ValidationResult{
		Passed: true,
		Checks: []domain.CheckReport{{Name: "tests", Passed: true}},
	}
}

func failing(output string) domain.ValidationResult {
	return domain.ValidationResult{
		Checks:      []domain.CheckReport{{Name: "tests", Output: output}},
		Diagnostics: []string{"tests: " + output},
	}
}

type loopEnv struct {
	Engine engine.Engine
	Loop   *loop.Loop
	Runner *stubRunner
	Ctx    context.Context
}

func newLoopEnv(t *testing.T, runner *stubRunner, checks loop.Validator) loopEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	lp := &loop.Loop{
		Engine:      eng,
		Runner:      runner,
		Checks:      checks,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ProjectDir:  dir,
		SessionsDir: db.SessionsDir(dir),
		MaxAttempts: 10,
	}
	return loopEnv{Engine: eng, Loop: lp, Runner: runner, Ctx: context.Background()}
}

func TestSessionCompletesTasksInPriorityOrder(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	a, _ := env.Engine.AddTask(env.Ctx, "first", "")
	b, _ := env.Engine.AddTask(env.Ctx, "second", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	for _, id := range []string{a.ID, b.ID} {
		task, _ := env.Engine.GetTask(env.Ctx, id)
		if task.Status != domain.TaskDone {
			t.Fatalf("task %s = %s, want done", id, task.Status)
		}
	}
	if runner.runCount() != 2 {
		t.Fatalf("runs = %d", runner.runCount())
	}
	if !strings.Contains(runner.instructions[0], a.ID) || !strings.Contains(runner.instructions[1], b.ID) {
		t.Fatalf("dispatch order wrong: %q", runner.instructions)
	}
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if cp.Status != domain.SessionIdle || cp.CurrentTaskID != nil {
		t.Fatalf("final checkpoint = %+v", cp)
	}
	if cp.Session != 1 {
		t.Fatalf("session = %d", cp.Session)
	}
}

func TestFailedValidationParksTaskWithoutRetry(t *testing.T) {
	runner := &stubRunner{}
	checks := &stubChecks{results: []domain.ValidationResult{passing(), failing("2 tests failed")}}
	env := newLoopEnv(t, runner, checks)
	task, _ := env.Engine.AddTask(env.Ctx, "breaks tests", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if runner.runCount() != 1 {
		t.Fatalf("runs = %d, failed task must not be retried", runner.runCount())
	}
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if cp.Status != domain.SessionIdle {
		t.Fatalf("checkpoint = %+v, a failed task is not a crashed session", cp)
	}
}

func TestCrashResumeContinuesCurrentTask(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	task, _ := env.Engine.AddTask(env.Ctx, "interrupted", "")
	task, _ = env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress)

	// simulate a process that died mid-task: running checkpoint, no live loop
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	cp.Session = 1
	cp.Status = domain.SessionRunning
	cp.CurrentTaskID = &task.ID
	cp.Cursor = 12
	if err := env.Engine.SaveCheckpoint(env.Ctx, cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	if runner.runCount() != 1 {
		t.Fatalf("runs = %d", runner.runCount())
	}
	if !strings.Contains(runner.instructions[0], task.ID) {
		t.Fatalf("resume dispatched wrong task: %q", runner.instructions[0])
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("status = %s", got.Status)
	}
	final, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if final.Session != 2 || final.Status != domain.SessionIdle {
		t.Fatalf("final checkpoint = %+v", final)
	}
}

func TestCrashedCheckpointWithTaskResumes(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	task, _ := env.Engine.AddTask(env.Ctx, "interrupted by write failure", "")
	task, _ = env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress)

	// a checkpoint write failure mid-task leaves status=crashed with the
	// task still referenced; restart must pick that task up, not strand it
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	cp.Session = 1
	cp.Status = domain.SessionCrashed
	cp.CurrentTaskID = &task.ID
	if err := env.Engine.SaveCheckpoint(env.Ctx, cp); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	if runner.runCount() != 1 {
		t.Fatalf("runs = %d, want 1 (resume the crashed task)", runner.runCount())
	}
	if !strings.Contains(runner.instructions[0], task.ID) {
		t.Fatalf("resume dispatched wrong task: %q", runner.instructions[0])
	}
	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("status = %s", got.Status)
	}
	final, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if final.Status != domain.SessionIdle || final.CurrentTaskID != nil {
		t.Fatalf("final checkpoint = %+v", final)
	}
}

func TestTimeoutFailsTaskWithDiagnostic(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(run int, p agent.RunParams) error {
		if run == 0 {
			return fmt.Errorf("%w after 10m", agent.ErrTimeout)
		}
		return nil
	}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	a, _ := env.Engine.AddTask(env.Ctx, "hangs", "")
	b, _ := env.Engine.AddTask(env.Ctx, "finishes", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	gotA, _ := env.Engine.GetTask(env.Ctx, a.ID)
	if gotA.Status != domain.TaskFailed {
		t.Fatalf("task a = %s, want failed", gotA.Status)
	}
	gotB, _ := env.Engine.GetTask(env.Ctx, b.ID)
	if gotB.Status != domain.TaskDone {
		t.Fatalf("task b = %s, timeout must not end the session", gotB.Status)
	}
	entries, err := livelog.ReadFile(db.SessionsDir(env.Loop.ProjectDir), 1)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	var sawDiag bool
	for _, e := range entries {
		if e.Kind == domain.LogSystemEvent && strings.Contains(e.Payload, "timed out") {
			sawDiag = true
		}
	}
	if !sawDiag {
		t.Fatalf("no timed out diagnostic in log: %+v", entries)
	}
}

func TestNilChecksSessionStillCompletes(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, nil)
	task, _ := env.Engine.AddTask(env.Ctx, "no validation configured", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestStopFinishesCurrentTaskThenParks(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	a, _ := env.Engine.AddTask(env.Ctx, "in flight", "")
	b, _ := env.Engine.AddTask(env.Ctx, "never starts", "")

	var lp *loop.Loop
	runner.onRun = func(run int, p agent.RunParams) error {
		lp.Stop()
		// one more action after the stop request; it must still be logged
		p.OnEvent(domain.LogAgentAction, "[Bash] pytest -q")
		return nil
	}
	lp = env.Loop
	if err := lp.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	lp.Wait()

	gotA, _ := env.Engine.GetTask(env.Ctx, a.ID)
	if gotA.Status != domain.TaskDone {
		t.Fatalf("current task = %s, want done (stop is cooperative)", gotA.Status)
	}
	gotB, _ := env.Engine.GetTask(env.Ctx, b.ID)
	if gotB.Status != domain.TaskPending {
		t.Fatalf("next task = %s, want untouched", gotB.Status)
	}
	if runner.runCount() != 1 {
		t.Fatalf("runs = %d", runner.runCount())
	}
	if !runner.terminated {
		t.Fatal("agent not terminated at safe boundary")
	}
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if cp.Status != domain.SessionStopped {
		t.Fatalf("checkpoint status = %s", cp.Status)
	}
}

func TestSpawnFailureFailsTaskOnly(t *testing.T) {
	runner := &stubRunner{}
	runner.onRun = func(run int, p agent.RunParams) error {
		if run == 0 {
			return fmt.Errorf("%w: exec: no such file", agent.ErrSpawn)
		}
		return nil
	}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	a, _ := env.Engine.AddTask(env.Ctx, "spawn fails", "")
	b, _ := env.Engine.AddTask(env.Ctx, "spawn works", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	gotA, _ := env.Engine.GetTask(env.Ctx, a.ID)
	if gotA.Status != domain.TaskFailed {
		t.Fatalf("task a = %s", gotA.Status)
	}
	gotB, _ := env.Engine.GetTask(env.Ctx, b.ID)
	if gotB.Status != domain.TaskDone {
		t.Fatalf("task b = %s, spawn failure must not end the session", gotB.Status)
	}
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)
	if cp.Status != domain.SessionIdle {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestDoubleStartIsRejected(t *testing.T) {
	release := make(chan struct{})
	runner := &stubRunner{}
	runner.onRun = func(run int, p agent.RunParams) error {
		<-release
		return nil
	}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	env.Engine.AddTask(env.Ctx, "long running", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.runCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.Loop.Start(env.Ctx); !errors.Is(err, engine.ErrAlreadyRunning) {
		t.Fatalf("second start err = %v", err)
	}
	close(release)
	env.Loop.Wait()
}

func TestQueuedMessagesAreDrainedToAgentOnce(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	env.Engine.AddTask(env.Ctx, "a", "")
	env.Engine.AddTask(env.Ctx, "b", "")
	env.Engine.EnqueueMessage(env.Ctx, "skip the refactor")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	if len(runner.injected) != 1 || !strings.Contains(runner.injected[0], "skip the refactor") {
		t.Fatalf("injected = %q", runner.injected)
	}
	n, _ := env.Engine.Repo.PendingMessageCount(env.Ctx)
	if n != 0 {
		t.Fatalf("pending = %d after delivery", n)
	}
}

func TestBaselineFailuresDoNotBlockTasks(t *testing.T) {
	runner := &stubRunner{}
	preexisting := domain.ValidationResult{
		Checks: []domain.CheckReport{
			{Name: "lint", Output: "legacy warnings"},
			{Name: "tests", Passed: true},
		},
		Diagnostics: []string{"lint: legacy warnings"},
	}
	checks := &stubChecks{results: []domain.ValidationResult{preexisting, preexisting}}
	env := newLoopEnv(t, runner, checks)
	task, _ := env.Engine.AddTask(env.Ctx, "unrelated work", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	got, _ := env.Engine.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskDone {
		t.Fatalf("status = %s, pre-session failures must not fail the task", got.Status)
	}
}

func TestSessionLogRecordsAgentActions(t *testing.T) {
	runner := &stubRunner{}
	env := newLoopEnv(t, runner, &stubChecks{results: []domain.ValidationResult{passing()}})
	env.Engine.AddTask(env.Ctx, "a", "")

	if err := env.Loop.Start(env.Ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.Loop.Wait()

	entries, err := livelog.ReadFile(db.SessionsDir(env.Loop.ProjectDir), 1)
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	var sawAction bool
	for _, e := range entries {
		if e.Kind == domain.LogAgentAction && e.Payload == "[Edit] main.py" {
			sawAction = true
		}
	}
	if !sawAction {
		t.Fatalf("agent action missing from log: %+v", entries)
	}
}
