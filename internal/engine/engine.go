package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"loopline/internal/config"
	"loopline/internal/domain"
	"loopline/internal/events"
	"loopline/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidReorder    = errors.New("reorder ids must match existing tasks exactly")
	ErrAlreadyRunning    = errors.New("a session is already running")
	ErrCheckpointWrite   = errors.New("checkpoint write failed")
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

// inTx runs fn in one transaction, so a state change and the audit event
// recording it commit or roll back together.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// --- task store ---

func (e Engine) AddTask(ctx context.Context, title, description string) (domain.Task, error) {
	if title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	var t domain.Task
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if t, err = e.Repo.InsertTask(ctx, tx, title, description); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "task.created", "task", t.ID, events.EventPayload{
			"title":    t.Title,
			"priority": t.Priority,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx)
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

// Reorder atomically reassigns contiguous priorities following the given id
// order. The id set must match the existing tasks exactly.
func (e Engine) Reorder(ctx context.Context, ids []string) error {
	existing, err := e.Repo.ListTasks(ctx)
	if err != nil {
		return err
	}
	if len(ids) != len(existing) {
		return fmt.Errorf("%w: got %d ids, have %d tasks", ErrInvalidReorder, len(ids), len(existing))
	}
	known := make(map[string]bool, len(existing))
	for _, t := range existing {
		known[t.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: unknown id %s", ErrInvalidReorder, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidReorder, id)
		}
		seen[id] = true
	}
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.ReorderTasks(ctx, tx, ids); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "tasks.reordered", "task", "", events.EventPayload{"order": ids})
	})
}

func ensureTaskTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.TaskPending:
		if newStatus == domain.TaskInProgress {
			return nil
		}
	case domain.TaskInProgress:
		if newStatus == domain.TaskDone || newStatus == domain.TaskFailed {
			return nil
		}
	case domain.TaskFailed:
		if newStatus == domain.TaskPending {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// Mark sets a task's status after checking the transition is legal.
func (e Engine) Mark(ctx context.Context, id, status string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(t.Status, status); err != nil {
		return t, err
	}
	var updated domain.Task
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if updated, err = e.Repo.SetTaskStatus(ctx, tx, id, status); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "task.status", "task", id, events.EventPayload{
			"from": t.Status,
			"to":   status,
		})
	})
	if err != nil {
		return t, err
	}
	return updated, nil
}

// Requeue puts a failed task back in the pending pool. This is the only way a
// failed task becomes eligible again.
func (e Engine) Requeue(ctx context.Context, id string) (domain.Task, error) {
	return e.Mark(ctx, id, domain.TaskPending)
}

// NextEligible returns the lowest-priority pending task, or ok=false when the
// queue is exhausted.
func (e Engine) NextEligible(ctx context.Context) (domain.Task, bool, error) {
	t, err := e.Repo.NextEligible(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (e Engine) Progress(ctx context.Context) (done, total int, err error) {
	return e.Repo.CountTasks(ctx)
}

// --- message queue ---

func (e Engine) EnqueueMessage(ctx context.Context, text string) (domain.QueueMessage, error) {
	if text == "" {
		return domain.QueueMessage{}, errors.New("text is required")
	}
	var m domain.QueueMessage
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if m, err = e.Repo.EnqueueMessage(ctx, tx, uuid.New().String(), text); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "queue.enqueued", "message", m.ID, events.EventPayload{})
	})
	if err != nil {
		return domain.QueueMessage{}, err
	}
	return m, nil
}

// DrainMessages hands every undelivered message to the caller exactly once.
func (e Engine) DrainMessages(ctx context.Context) ([]domain.QueueMessage, error) {
	return e.Repo.DrainMessages(ctx)
}

// --- checkpoint store ---

// LoadCheckpoint returns the live checkpoint, or a fresh idle one on first run.
func (e Engine) LoadCheckpoint(ctx context.Context) (domain.Checkpoint, error) {
	cp, err := e.Repo.LoadCheckpoint(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{
			SessionID:   uuid.New().String(),
			Status:      domain.SessionIdle,
			LastUpdated: e.Now().UTC().Format(time.RFC3339),
		}, nil
	}
	return cp, err
}

// SaveCheckpoint persists the checkpoint, archiving the prior live value. A
// failure here is ErrCheckpointWrite: callers must treat it as fatal to the
// session because continuing without durable state risks silent loss.
func (e Engine) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	if err := e.Repo.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}
	return nil
}

func (e Engine) CheckpointArchive(ctx context.Context) ([]domain.Checkpoint, error) {
	return e.Repo.ListCheckpointArchive(ctx)
}

// --- thoughts ---

func (e Engine) AddThought(ctx context.Context, text string) (domain.Thought, error) {
	if text == "" {
		return domain.Thought{}, errors.New("text is required")
	}
	return e.Repo.AddThought(ctx, uuid.New().String(), text)
}

func (e Engine) ListThoughts(ctx context.Context) ([]domain.Thought, error) {
	return e.Repo.ListThoughts(ctx)
}

func (e Engine) ClearThoughts(ctx context.Context) error {
	return e.Repo.ClearThoughts(ctx)
}
