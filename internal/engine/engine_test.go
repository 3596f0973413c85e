package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"loopline/internal/config"
	"loopline/internal/db"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestAddTaskAssignsSequentialIDsAndPriorities(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.AddTask(env.Ctx, "first", "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	second, err := env.Engine.AddTask(env.Ctx, "second", "details")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if first.ID != "task_001" || second.ID != "task_002" {
		t.Fatalf("ids = %s, %s", first.ID, second.ID)
	}
	if second.Priority <= first.Priority {
		t.Fatalf("new task priority %d not after %d", second.Priority, first.Priority)
	}
	if first.Status != domain.TaskPending {
		t.Fatalf("status = %s", first.Status)
	}
}

func TestReorderChangesDequeueOrder(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.AddTask(env.Ctx, "a", "")
	b, _ := env.Engine.AddTask(env.Ctx, "b", "")
	c, _ := env.Engine.AddTask(env.Ctx, "c", "")

	if err := env.Engine.Reorder(env.Ctx, []string{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{tasks[0].ID, tasks[1].ID, tasks[2].ID}
	want := []string{c.ID, a.ID, b.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	next, ok, err := env.Engine.NextEligible(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("next eligible: %v %v", ok, err)
	}
	if next.ID != c.ID {
		t.Fatalf("next = %s, want %s", next.ID, c.ID)
	}
}

func TestReorderRejectsPartialOrUnknownIDs(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.AddTask(env.Ctx, "a", "")
	env.Engine.AddTask(env.Ctx, "b", "")

	if err := env.Engine.Reorder(env.Ctx, []string{a.ID}); !errors.Is(err, engine.ErrInvalidReorder) {
		t.Fatalf("partial set: err = %v", err)
	}
	if err := env.Engine.Reorder(env.Ctx, []string{a.ID, "task_999"}); !errors.Is(err, engine.ErrInvalidReorder) {
		t.Fatalf("unknown id: err = %v", err)
	}
	if err := env.Engine.Reorder(env.Ctx, []string{a.ID, a.ID}); !errors.Is(err, engine.ErrInvalidReorder) {
		t.Fatalf("duplicate id: err = %v", err)
	}
}

func TestTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.AddTask(env.Ctx, "work", "")

	task, err := env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress)
	if err != nil || task.Status != domain.TaskInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	task, err = env.Engine.Mark(env.Ctx, task.ID, domain.TaskDone)
	if err != nil || task.Status != domain.TaskDone {
		t.Fatalf("to done: %v", err)
	}
	if task.CompletedAt == nil {
		t.Fatal("completed_at not set on done")
	}
	// done is terminal
	if _, err := env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("done -> in_progress: err = %v", err)
	}
	// pending cannot skip straight to done
	skip, _ := env.Engine.AddTask(env.Ctx, "skip", "")
	if _, err := env.Engine.Mark(env.Ctx, skip.ID, domain.TaskDone); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("pending -> done: err = %v", err)
	}
}

func TestRequeueOnlyFromFailed(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.AddTask(env.Ctx, "flaky", "")
	env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress)
	env.Engine.Mark(env.Ctx, task.ID, domain.TaskFailed)

	task, err := env.Engine.Requeue(env.Ctx, task.ID)
	if err != nil || task.Status != domain.TaskPending {
		t.Fatalf("requeue: %v, status %s", err, task.Status)
	}
	// failed task must not come back by itself; eligible again only now
	next, ok, _ := env.Engine.NextEligible(env.Ctx)
	if !ok || next.ID != task.ID {
		t.Fatalf("requeued task not eligible: %v", next)
	}
	if _, err := env.Engine.Requeue(env.Ctx, task.ID); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("requeue pending: err = %v", err)
	}
}

func TestNextEligibleSkipsNonPending(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Engine.AddTask(env.Ctx, "a", "")
	b, _ := env.Engine.AddTask(env.Ctx, "b", "")
	env.Engine.Mark(env.Ctx, a.ID, domain.TaskInProgress)
	env.Engine.Mark(env.Ctx, a.ID, domain.TaskFailed)

	next, ok, err := env.Engine.NextEligible(env.Ctx)
	if err != nil || !ok {
		t.Fatalf("next: %v", err)
	}
	if next.ID != b.ID {
		t.Fatalf("next = %s, want %s (failed task must stay parked)", next.ID, b.ID)
	}
}

func TestQueueDrainIsAtomicAndOrdered(t *testing.T) {
	env := newTestEnv(t)
	m1, _ := env.Engine.EnqueueMessage(env.Ctx, "one")
	m2, _ := env.Engine.EnqueueMessage(env.Ctx, "two")

	drained, err := env.Engine.DrainMessages(env.Ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 || drained[0].ID != m1.ID || drained[1].ID != m2.ID {
		t.Fatalf("drain order wrong: %+v", drained)
	}
	again, err := env.Engine.DrainMessages(env.Ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("messages delivered twice: %+v", again)
	}
	n, _ := env.Engine.Repo.PendingMessageCount(env.Ctx)
	if n != 0 {
		t.Fatalf("pending = %d after drain", n)
	}
}

func TestCheckpointFreshLoadAndRoundtrip(t *testing.T) {
	env := newTestEnv(t)
	cp, err := env.Engine.LoadCheckpoint(env.Ctx)
	if err != nil {
		t.Fatalf("fresh load: %v", err)
	}
	if cp.Status != domain.SessionIdle || cp.Session != 0 {
		t.Fatalf("fresh checkpoint = %+v", cp)
	}

	taskID := "task_001"
	cp.Session = 1
	cp.Status = domain.SessionRunning
	cp.CurrentTaskID = &taskID
	cp.Cursor = 7
	if err := env.Engine.SaveCheckpoint(env.Ctx, cp); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := env.Engine.LoadCheckpoint(env.Ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Session != 1 || loaded.Status != domain.SessionRunning || loaded.Cursor != 7 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.CurrentTaskID == nil || *loaded.CurrentTaskID != taskID {
		t.Fatalf("current task = %v", loaded.CurrentTaskID)
	}
}

func TestEverySaveArchivesPriorCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	cp, _ := env.Engine.LoadCheckpoint(env.Ctx)

	for i := 1; i <= 3; i++ {
		cp.Session = i
		cp.Status = domain.SessionRunning
		if err := env.Engine.SaveCheckpoint(env.Ctx, cp); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	archive, err := env.Engine.CheckpointArchive(env.Ctx)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	// first save archives nothing (no prior row), the next two archive one each
	if len(archive) != 2 {
		t.Fatalf("archive length = %d, want 2", len(archive))
	}
	if archive[0].Session != 2 || archive[1].Session != 1 {
		t.Fatalf("archive not newest-first: %+v", archive)
	}
}

func TestThoughtsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddThought(env.Ctx, "maybe cache the parser"); err != nil {
		t.Fatalf("add: %v", err)
	}
	items, err := env.Engine.ListThoughts(env.Ctx)
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %d", err, len(items))
	}
	if err := env.Engine.ClearThoughts(env.Ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	items, _ = env.Engine.ListThoughts(env.Ctx)
	if len(items) != 0 {
		t.Fatalf("thoughts remain after clear: %+v", items)
	}
}

func TestAuditEventsCommitWithMutations(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.AddTask(env.Ctx, "audited", "")
	env.Engine.Mark(env.Ctx, task.ID, domain.TaskInProgress)
	env.Engine.EnqueueMessage(env.Ctx, "note")

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	got := map[string]bool{}
	for _, e := range evts {
		got[e.Type] = true
	}
	for _, want := range []string{"task.created", "task.status", "queue.enqueued"} {
		if !got[want] {
			t.Fatalf("event %s missing, have %+v", want, evts)
		}
	}

	// a rejected mutation must leave no event behind
	before := len(evts)
	if err := env.Engine.Reorder(env.Ctx, []string{"task_404"}); !errors.Is(err, engine.ErrInvalidReorder) {
		t.Fatalf("reorder err = %v", err)
	}
	evts, _ = env.Engine.Repo.ListEvents(env.Ctx, 10)
	if len(evts) != before {
		t.Fatalf("events = %d after rejected reorder, want %d", len(evts), before)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.GetTask(env.Ctx, "task_404"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
