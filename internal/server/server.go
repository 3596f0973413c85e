// Package server exposes the orchestrator over HTTP: task management, the
// operator message queue, session control, and live log polling.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/livelog"
	"loopline/internal/repo"
)

// SessionController is what the API needs from the session loop.
type SessionController interface {
	Start(ctx context.Context) error
	Stop()
	Kill()
	Running() bool
	Log() *livelog.Log
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Loop     SessionController
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"task task_003 is done, cannot move to in_progress"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Loopline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Loopline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerQueue(group, cfg.Engine)
	registerSession(group, cfg.Engine, cfg.Loop)
	registerThoughts(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidReorder):
		return newAPIError(http.StatusBadRequest, "invalid_reorder", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyRunning):
		return newAPIError(http.StatusConflict, "already_running", err.Error(), nil)
	case errors.Is(err, engine.ErrCheckpointWrite):
		return newAPIError(http.StatusInternalServerError, "checkpoint_write", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.AddTask(ctx, input.Body.Title, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks in priority order",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reorder-tasks",
		Method:      http.MethodPost,
		Path:        "/tasks/reorder",
		Summary:     "Reorder pending tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReorderRequest `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if err := e.Reorder(ctx, input.Body.IDs); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/requeue",
		Summary:     "Requeue a failed task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Requeue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-message",
		Method:        http.MethodPost,
		Path:          "/queue",
		Summary:       "Queue an operator message for the agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body EnqueueRequest `json:"body"`
	}) (*struct {
		Body QueueMessageResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		m, err := e.EnqueueMessage(ctx, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueMessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-messages",
		Method:      http.MethodGet,
		Path:        "/queue/pending",
		Summary:     "Count undelivered messages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := e.Repo.PendingMessageCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"pending": n}}, nil
	})
}

func registerSession(api huma.API, e engine.Engine, lp SessionController) {
	huma.Register(api, huma.Operation{
		OperationID: "start-session",
		Method:      http.MethodPost,
		Path:        "/session/start",
		Summary:     "Start a session",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		// the session outlives the request
		if err := lp.Start(context.WithoutCancel(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "started"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-session",
		Method:      http.MethodPost,
		Path:        "/session/stop",
		Summary:     "Request a cooperative stop",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		lp.Stop()
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "stop_requested"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "kill-session",
		Method:      http.MethodPost,
		Path:        "/session/kill",
		Summary:     "Force-terminate the agent process",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		lp.Kill()
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "killed"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		cp, err := e.LoadCheckpoint(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		pending, err := e.Repo.PendingMessageCount(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			Running:    lp.Running(),
			Checkpoint: checkpointResponse(cp),
			Tasks:      mapTasks(tasks),
			TaskCounts: counts,
			Pending:    pending,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "checkpoint-archive",
		Method:      http.MethodGet,
		Path:        "/checkpoints",
		Summary:     "Checkpoint archive, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		items, err := e.CheckpointArchive(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CheckpointResponse, 0, len(items))
		for _, cp := range items {
			out = append(out, checkpointResponse(cp))
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Poll the live session log",
	}, func(ctx context.Context, input *struct {
		Since int `query:"since"`
	}) (*struct {
		Body LogResponse `json:"body"`
	}, error) {
		log := lp.Log()
		if log == nil {
			return &struct {
				Body LogResponse `json:"body"`
			}{Body: LogResponse{Entries: []domain.LogEntry{}}}, nil
		}
		entries := log.Since(input.Since)
		return &struct {
			Body LogResponse `json:"body"`
		}{Body: LogResponse{Entries: entries, NextSeq: log.Seq()}}, nil
	})
}

func registerThoughts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-thought",
		Method:        http.MethodPost,
		Path:          "/thoughts",
		Summary:       "Capture a thought",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ThoughtRequest `json:"body"`
	}) (*struct {
		Body domain.Thought `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		th, err := e.AddThought(ctx, input.Body.Text)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Thought `json:"body"`
		}{Body: th}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-thoughts",
		Method:      http.MethodGet,
		Path:        "/thoughts",
		Summary:     "List thoughts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Thought `json:"body"`
	}, error) {
		items, err := e.ListThoughts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Thought `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transform-thoughts",
		Method:      http.MethodPost,
		Path:        "/thoughts/transform",
		Summary:     "Confirm thought-derived tasks and clear thoughts",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body TransformRequest `json:"body"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if len(input.Body.Tasks) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "tasks is required", nil)
		}
		var created []domain.Task
		for _, req := range input.Body.Tasks {
			if strings.TrimSpace(req.Title) == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "every task needs a title", nil)
			}
			t, err := e.AddTask(ctx, req.Title, req.Description)
			if err != nil {
				return nil, handleError(err)
			}
			created = append(created, t)
		}
		if err := e.ClearThoughts(ctx); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(created)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
