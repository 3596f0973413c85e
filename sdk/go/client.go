// Package looplinesdk is a minimal Loopline HTTP API client.
package looplinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Task struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type QueueMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	EnqueuedAt string `json:"enqueued_at"`
	Delivered  bool   `json:"delivered"`
}

type Checkpoint struct {
	SessionID     string  `json:"session_id"`
	Session       int     `json:"session"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	Cursor        int     `json:"cursor"`
	Status        string  `json:"status"`
	LastUpdated   string  `json:"last_updated"`
}

type Status struct {
	Running         bool           `json:"running"`
	Checkpoint      Checkpoint     `json:"checkpoint"`
	Tasks           []Task         `json:"tasks"`
	TaskCounts      map[string]int `json:"task_counts"`
	PendingMessages int            `json:"pending_messages"`
}

type LogEntry struct {
	Seq     int    `json:"seq"`
	TS      string `json:"ts"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

type LogPage struct {
	Entries []LogEntry `json:"entries"`
	NextSeq int        `json:"next_seq"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask adds a task at the lowest priority.
func (c *Client) CreateTask(ctx context.Context, title, description string) (Task, error) {
	body := map[string]any{"title": title, "description": description}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// ListTasks returns every task in priority order.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "tasks", nil, &resp)
	return resp, err
}

// ReorderTasks applies a complete new ordering and returns the result.
func (c *Client) ReorderTasks(ctx context.Context, ids []string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodPost, "tasks/reorder", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// RequeueTask moves a failed task back to pending.
func (c *Client) RequeueTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/requeue", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Enqueue queues an operator message for the running agent.
func (c *Client) Enqueue(ctx context.Context, text string) (QueueMessage, error) {
	var resp QueueMessage
	err := c.do(ctx, http.MethodPost, "queue", map[string]any{"text": text}, &resp)
	return resp, err
}

// StartSession starts a session; a 409 means one is already running.
func (c *Client) StartSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "session/start", nil, nil)
}

// StopSession requests a cooperative stop.
func (c *Client) StopSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "session/stop", nil, nil)
}

// KillSession force-terminates the agent process.
func (c *Client) KillSession(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "session/kill", nil, nil)
}

// Status returns the workspace status snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// Log polls the live session log for entries after since.
func (c *Client) Log(ctx context.Context, since int) (LogPage, error) {
	var resp LogPage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("log?since=%d", since), nil, &resp)
	return resp, err
}

// Checkpoints returns the archive, newest first.
func (c *Client) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var resp []Checkpoint
	err := c.do(ctx, http.MethodGet, "checkpoints", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
