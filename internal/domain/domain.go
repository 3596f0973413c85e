package domain

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskFailed     = "failed"
)

// Session statuses stored in the checkpoint.
const (
	SessionIdle    = "idle"
	SessionRunning = "running"
	SessionStopped = "stopped"
	SessionCrashed = "crashed"
)

type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status" enum:"pending,in_progress,done,failed"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Checkpoint is the durable record of where a session left off. Exactly one
// checkpoint is live; every save archives the prior value.
type Checkpoint struct {
	SessionID     string  `json:"session_id"`
	Session       int     `json:"session"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	Cursor        int     `json:"cursor"`
	Status        string  `json:"status" enum:"idle,running,stopped,crashed"`
	LastUpdated   string  `json:"last_updated" format:"date-time"`
}

// QueueMessage is an operator instruction injected into the agent mid-session.
type QueueMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	EnqueuedAt string `json:"enqueued_at" format:"date-time"`
	Delivered  bool   `json:"delivered"`
}

// Thought is a free-form idea awaiting transformation into tasks.
type Thought struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	AddedAt string `json:"added_at" format:"date-time"`
}

// Log entry kinds.
const (
	LogAgentAction = "agent_action"
	LogRawOutput   = "raw_output"
	LogSystemEvent = "system_event"
)

// LogEntry is one line of the per-session live log. Seq is monotonic within a
// session so consumers can poll incrementally.
type LogEntry struct {
	Seq     int    `json:"seq"`
	TS      string `json:"ts" format:"date-time"`
	Kind    string `json:"kind" enum:"agent_action,raw_output,system_event"`
	Payload string `json:"payload"`
}

// CheckReport is the outcome of one validator sub-check.
type CheckReport struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Output  string `json:"output,omitempty"`
}

// ValidationResult folds all sub-checks into one verdict. Passed is true only
// when every non-skipped sub-check passed.
type ValidationResult struct {
	Passed      bool          `json:"passed"`
	Checks      []CheckReport `json:"checks"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
