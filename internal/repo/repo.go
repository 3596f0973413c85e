package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"loopline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- tasks ---

func scanTask(scanner interface{ Scan(dest ...any) error }) (domain.Task, error) {
	var t domain.Task
	var desc, completed sql.NullString
	err := scanner.Scan(&t.ID, &t.Title, &desc, &t.Priority, &t.Status, &t.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	return t, nil
}

const taskColumns = `id,title,description,priority,status,created_at,completed_at`

// InsertTask assigns the next counter id and the next-highest priority, then
// inserts the task as pending. It runs on the caller's transaction so the
// counter bump, the insert, and any audit event commit together.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, title, description string) (domain.Task, error) {
	var nextID int
	if err := tx.QueryRowContext(ctx, `SELECT next_id FROM task_counter WHERE id=1`).Scan(&nextID); err != nil {
		return domain.Task{}, fmt.Errorf("read task counter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_counter SET next_id=next_id+1 WHERE id=1`); err != nil {
		return domain.Task{}, fmt.Errorf("bump task counter: %w", err)
	}
	var maxPriority sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(priority) FROM tasks`).Scan(&maxPriority); err != nil {
		return domain.Task{}, fmt.Errorf("read max priority: %w", err)
	}
	t := domain.Task{
		ID:        fmt.Sprintf("task_%03d", nextID),
		Title:     title,
		Priority:  int(maxPriority.Int64) + 1,
		Status:    domain.TaskPending,
		CreatedAt: now(),
	}
	if description != "" {
		t.Description = description
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.Priority, t.Status, t.CreatedAt, nil); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY priority`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// NextEligible returns the pending task with the lowest priority rank, or
// ErrNotFound when no task is eligible.
func (r Repo) NextEligible(ctx context.Context) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status=? ORDER BY priority LIMIT 1`, domain.TaskPending))
}

// SetTaskStatus updates the status (and completed_at for done) of one task on
// the caller's transaction.
func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id, status string) (domain.Task, error) {
	var completed any
	if status == domain.TaskDone {
		completed = now()
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, completed_at=COALESCE(?, completed_at) WHERE id=?`, status, completed, id)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task status: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Task{}, ErrNotFound
	}
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ReorderTasks renumbers priorities to 1..N following the given id order. The
// priorities get a unique index, so the renumber happens in two passes on the
// caller's transaction: park everything on negative ranks, then flip.
func (r Repo) ReorderTasks(ctx context.Context, tx *sql.Tx, ids []string) error {
	for i, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET priority=? WHERE id=?`, -(i + 1), id)
		if err != nil {
			return fmt.Errorf("reorder task %s: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			return fmt.Errorf("reorder task %s: %w", id, ErrNotFound)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET priority=-priority WHERE priority < 0`); err != nil {
		return fmt.Errorf("flip priorities: %w", err)
	}
	return nil
}

func (r Repo) CountTasks(ctx context.Context) (done, total int, err error) {
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(CASE WHEN status=? THEN 1 END), COUNT(*) FROM tasks`, domain.TaskDone).Scan(&done, &total)
	return done, total, err
}

// --- checkpoint ---

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	var current sql.NullString
	err := scanner.Scan(&cp.SessionID, &cp.Session, &current, &cp.Cursor, &cp.Status, &cp.LastUpdated)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if current.Valid {
		cp.CurrentTaskID = &current.String
	}
	return cp, nil
}

// LoadCheckpoint returns the live checkpoint, or ErrNotFound on first run.
func (r Repo) LoadCheckpoint(ctx context.Context) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx,
		`SELECT session_id,session,current_task_id,cursor,status,last_updated FROM checkpoint WHERE id=1`))
}

// SaveCheckpoint replaces the live checkpoint and appends the prior live value
// to the archive, all in one transaction so a crash mid-save never exposes a
// half-written checkpoint as current.
func (r Repo) SaveCheckpoint(ctx context.Context, cp domain.Checkpoint) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	prior, err := scanCheckpoint(tx.QueryRowContext(ctx,
		`SELECT session_id,session,current_task_id,cursor,status,last_updated FROM checkpoint WHERE id=1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("read prior checkpoint: %w", err)
	}
	if err == nil {
		if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint_archive(session_id,session,current_task_id,cursor,status,last_updated,archived_at)
			VALUES (?,?,?,?,?,?,?)`,
			prior.SessionID, prior.Session, nullablePtr(prior.CurrentTaskID), prior.Cursor, prior.Status, prior.LastUpdated, now()); err != nil {
			return fmt.Errorf("archive checkpoint: %w", err)
		}
	}
	cp.LastUpdated = now()
	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoint(id,session_id,session,current_task_id,cursor,status,last_updated)
		VALUES (1,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET session_id=excluded.session_id, session=excluded.session,
			current_task_id=excluded.current_task_id, cursor=excluded.cursor,
			status=excluded.status, last_updated=excluded.last_updated`,
		cp.SessionID, cp.Session, nullablePtr(cp.CurrentTaskID), cp.Cursor, cp.Status, cp.LastUpdated); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return tx.Commit()
}

// ListCheckpointArchive returns archived checkpoints newest first.
func (r Repo) ListCheckpointArchive(ctx context.Context) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT session_id,session,current_task_id,cursor,status,last_updated FROM checkpoint_archive ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

// --- queue ---

func (r Repo) EnqueueMessage(ctx context.Context, tx *sql.Tx, id, text string) (domain.QueueMessage, error) {
	m := domain.QueueMessage{
		ID:         id,
		Text:       text,
		EnqueuedAt: now(),
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO queue_messages(id,text,enqueued_at,delivered) VALUES (?,?,?,0)`,
		m.ID, m.Text, m.EnqueuedAt)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("enqueue message: %w", err)
	}
	return m, nil
}

// DrainMessages returns all undelivered messages in FIFO order and marks them
// delivered in the same transaction, so no message is ever drained twice.
func (r Repo) DrainMessages(ctx context.Context) ([]domain.QueueMessage, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id,text,enqueued_at FROM queue_messages WHERE delivered=0 ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	var msgs []domain.QueueMessage
	for rows.Next() {
		var m domain.QueueMessage
		if err := rows.Scan(&m.ID, &m.Text, &m.EnqueuedAt); err != nil {
			rows.Close()
			return nil, err
		}
		m.Delivered = true
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `UPDATE queue_messages SET delivered=1 WHERE id=?`, m.ID); err != nil {
			return nil, fmt.Errorf("mark delivered: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r Repo) PendingMessageCount(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE delivered=0`).Scan(&n)
	return n, err
}

// --- thoughts ---

func (r Repo) AddThought(ctx context.Context, id, text string) (domain.Thought, error) {
	th := domain.Thought{ID: id, Text: text, AddedAt: now()}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO thoughts(id,text,added_at) VALUES (?,?,?)`, th.ID, th.Text, th.AddedAt)
	if err != nil {
		return domain.Thought{}, fmt.Errorf("add thought: %w", err)
	}
	return th, nil
}

func (r Repo) ListThoughts(ctx context.Context) ([]domain.Thought, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,text,added_at FROM thoughts ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Thought
	for rows.Next() {
		var th domain.Thought
		if err := rows.Scan(&th.ID, &th.Text, &th.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, th)
	}
	return res, rows.Err()
}

func (r Repo) ClearThoughts(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM thoughts`)
	return err
}

// --- events ---

func (r Repo) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
