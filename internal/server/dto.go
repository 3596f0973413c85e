package server

import (
	"loopline/internal/domain"
)

type CreateTaskRequest struct {
	Title       string `json:"title" example:"Add retry to uploader"`
	Description string `json:"description,omitempty"`
}

type ReorderRequest struct {
	IDs []string `json:"ids"`
}

type EnqueueRequest struct {
	Text string `json:"text" example:"focus on the parser first"`
}

type ThoughtRequest struct {
	Text string `json:"text"`
}

type TransformRequest struct {
	Tasks []CreateTaskRequest `json:"tasks"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type QueueMessageResponse struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	EnqueuedAt string `json:"enqueued_at"`
	Delivered  bool   `json:"delivered"`
}

type CheckpointResponse struct {
	SessionID     string  `json:"session_id"`
	Session       int     `json:"session"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	Cursor        int     `json:"cursor"`
	Status        string  `json:"status"`
	LastUpdated   string  `json:"last_updated"`
}

type StatusResponse struct {
	Running    bool               `json:"running"`
	Checkpoint CheckpointResponse `json:"checkpoint"`
	Tasks      []TaskResponse     `json:"tasks"`
	TaskCounts map[string]int     `json:"task_counts"`
	Pending    int                `json:"pending_messages"`
}

type LogResponse struct {
	Entries []domain.LogEntry `json:"entries"`
	NextSeq int               `json:"next_seq"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTasks(ts []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, taskResponse(t))
	}
	return out
}

func messageResponse(m domain.QueueMessage) QueueMessageResponse {
	return QueueMessageResponse{ID: m.ID, Text: m.Text, EnqueuedAt: m.EnqueuedAt, Delivered: m.Delivered}
}

func checkpointResponse(cp domain.Checkpoint) CheckpointResponse {
	return CheckpointResponse{
		SessionID:     cp.SessionID,
		Session:       cp.Session,
		CurrentTaskID: cp.CurrentTaskID,
		Cursor:        cp.Cursor,
		Status:        cp.Status,
		LastUpdated:   cp.LastUpdated,
	}
}
