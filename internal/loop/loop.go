// Package loop drives the session state machine: dequeue a task, dispatch the
// external agent, stream its output, validate the result, reconcile task and
// checkpoint state, repeat. One loop per workspace; phases never overlap.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loopline/internal/agent"
	"loopline/internal/domain"
	"loopline/internal/engine"
	"loopline/internal/livelog"
)

// Runner abstracts the external agent process so tests can substitute one.
type Runner interface {
	Run(ctx context.Context, p agent.RunParams) error
	Terminate()
	Kill()
}

// Validator abstracts the post-attempt validation gate.
type Validator interface {
	Run(ctx context.Context) domain.ValidationResult
}

type Loop struct {
	Engine      engine.Engine
	Runner      Runner
	Checks      Validator
	Logger      *slog.Logger
	ProjectDir  string
	SessionsDir string
	MaxAttempts int
	Delay       time.Duration

	mu             sync.Mutex
	running        bool
	stopRequested  bool
	terminated     bool
	log            *livelog.Log
	lastValidation *domain.ValidationResult
	baseline       map[string]bool
	wg             sync.WaitGroup
}

// Start begins a session in the background. It fails with ErrAlreadyRunning
// when a session is live, either in this process or recorded by the
// checkpoint of another live process. A running or crashed checkpoint that
// still names a current task is a crash leftover and resumes that task.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return engine.ErrAlreadyRunning
	}
	l.running = true
	l.stopRequested = false
	l.terminated = false
	l.mu.Unlock()

	cp, err := l.Engine.LoadCheckpoint(ctx)
	if err != nil {
		l.setRunning(false)
		return err
	}
	// A populated current task means the previous session died mid-task,
	// whether it left the lock behind (running) or managed a crashed save.
	resume := cp.CurrentTaskID != nil &&
		(cp.Status == domain.SessionRunning || cp.Status == domain.SessionCrashed)
	if cp.Status == domain.SessionRunning && !resume {
		// stale lock without a task in flight, safe to take over
		l.Logger.Warn("checkpoint left running without a task, recovering")
	}

	cp.SessionID = uuid.New().String()
	cp.Session++
	cp.Status = domain.SessionRunning
	if !resume {
		cp.CurrentTaskID = nil
		cp.Cursor = 0
	}
	if err := l.Engine.SaveCheckpoint(ctx, cp); err != nil {
		l.setRunning(false)
		return err
	}

	sessionLog, err := livelog.Open(l.SessionsDir, cp.Session)
	if err != nil {
		l.setRunning(false)
		return fmt.Errorf("open session log: %w", err)
	}
	l.mu.Lock()
	l.log = sessionLog
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer sessionLog.Close()
		defer l.setRunning(false)
		l.run(ctx, cp, resume)
	}()
	return nil
}

// Stop requests a cooperative shutdown. The current phase finishes at its
// next safe boundary; the agent process is never interrupted mid-write.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopRequested = true
	l.mu.Unlock()
}

// Kill force-terminates the agent process. Last-resort operator escalation;
// the loop itself never calls this.
func (l *Loop) Kill() {
	l.Runner.Kill()
}

// Wait blocks until the background session goroutine finishes.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Log returns the live session log, or nil before the first start.
func (l *Loop) Log() *livelog.Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.log
}

func (l *Loop) LastValidation() *domain.ValidationResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastValidation
}

func (l *Loop) setRunning(v bool) {
	l.mu.Lock()
	l.running = v
	l.mu.Unlock()
}

func (l *Loop) stopPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopRequested
}

// run is the Running state. It owns the checkpoint until it returns.
func (l *Loop) run(ctx context.Context, cp domain.Checkpoint, resume bool) {
	l.system(fmt.Sprintf("session %d started", cp.Session))
	l.captureBaseline(ctx)

	for attempt := 0; l.MaxAttempts <= 0 || attempt < l.MaxAttempts; attempt++ {
		if l.stopPending() {
			l.finish(ctx, cp, domain.SessionStopped)
			return
		}

		// Dequeue
		var task domain.Task
		var err error
		if resume {
			task, err = l.Engine.GetTask(ctx, *cp.CurrentTaskID)
			resume = false
			if err != nil {
				l.Logger.Error("resume task lookup", "task_id", *cp.CurrentTaskID, "err", err)
				cp.CurrentTaskID = nil
				continue
			}
			l.system(fmt.Sprintf("resuming task %s after crash", task.ID))
		} else {
			var ok bool
			task, ok, err = l.Engine.NextEligible(ctx)
			if err != nil {
				l.Logger.Error("dequeue", "err", err)
				l.finish(ctx, cp, domain.SessionCrashed)
				return
			}
			if !ok {
				l.system("no eligible tasks, session complete")
				cp.CurrentTaskID = nil
				l.finish(ctx, cp, domain.SessionIdle)
				return
			}
		}

		// Dispatch
		if task.Status == domain.TaskPending {
			if task, err = l.Engine.Mark(ctx, task.ID, domain.TaskInProgress); err != nil {
				l.Logger.Error("mark in_progress", "task_id", task.ID, "err", err)
				continue
			}
		}
		cp.CurrentTaskID = &task.ID
		cp.Cursor = 0
		if err := l.Engine.SaveCheckpoint(ctx, cp); err != nil {
			l.crash(ctx, cp, err)
			return
		}
		l.system(fmt.Sprintf("dispatching task %s: %s", task.ID, task.Title))

		// Streaming
		runErr := l.stream(ctx, &cp, task)

		switch {
		case errors.Is(runErr, agent.ErrSpawn):
			l.reconcileFailure(ctx, &cp, task, []string{"agent spawn: " + runErr.Error()})
		case errors.Is(runErr, agent.ErrTimeout):
			l.reconcileFailure(ctx, &cp, task, []string{"timed out"})
		default:
			if runErr != nil {
				// nonzero exit is not conclusive; the validator decides
				l.system(fmt.Sprintf("agent exited with error: %v", runErr))
			}
			// Validating
			result := l.validate(ctx)
			// Reconciling
			if result.Passed {
				if _, err := l.Engine.Mark(ctx, task.ID, domain.TaskDone); err != nil {
					l.Logger.Error("mark done", "task_id", task.ID, "err", err)
				}
				l.system(fmt.Sprintf("task %s done, validation passed", task.ID))
				cp.CurrentTaskID = nil
				if err := l.Engine.SaveCheckpoint(ctx, cp); err != nil {
					l.crash(ctx, cp, err)
					return
				}
			} else {
				l.reconcileFailure(ctx, &cp, task, result.Diagnostics)
			}
		}
		if l.reconcileCrashed(ctx, cp) {
			return
		}

		if l.stopPending() {
			l.finish(ctx, cp, domain.SessionStopped)
			return
		}
		if l.Delay > 0 {
			select {
			case <-time.After(l.Delay):
			case <-ctx.Done():
				l.finish(ctx, cp, domain.SessionStopped)
				return
			}
		}
	}
	l.system("max sessions reached")
	l.finish(ctx, cp, domain.SessionStopped)
}

// stream runs the agent and relays its output into the live log. Operator
// messages are injected and stop requests honored only at parsed-event
// boundaries, never mid-chunk.
func (l *Loop) stream(ctx context.Context, cp *domain.Checkpoint, task domain.Task) error {
	instruction := l.buildInstruction(ctx, task)
	return l.Runner.Run(ctx, agent.RunParams{
		Dir:         l.ProjectDir,
		Instruction: instruction,
		OnEvent: func(kind, payload string) {
			l.appendLog(kind, payload)
			cp.Cursor++
			if l.stopPending() {
				l.terminateOnce()
			}
		},
		NextMessages: func() []string {
			msgs, err := l.Engine.DrainMessages(ctx)
			if err != nil {
				l.Logger.Warn("drain queue", "err", err)
				return nil
			}
			var out []string
			for _, m := range msgs {
				l.system("operator message injected: " + m.Text)
				out = append(out, "OPERATOR MESSAGE: "+m.Text)
			}
			return out
		},
	})
}

func (l *Loop) terminateOnce() {
	l.mu.Lock()
	already := l.terminated
	l.terminated = true
	l.mu.Unlock()
	if !already {
		l.system("stop requested, terminating agent at safe boundary")
		l.Runner.Terminate()
	}
}

func (l *Loop) validate(ctx context.Context) domain.ValidationResult {
	if l.Checks == nil {
		return domain.ValidationResult{Passed: true}
	}
	result := l.Checks.Run(ctx)
	// failures already present before the session started are not the
	// agent's doing; report them without failing the task
	filtered := result
	filtered.Passed = true
	filtered.Diagnostics = nil
	for i, chk := range result.Checks {
		if !chk.Passed && l.baseline[chk.Name] {
			filtered.Checks[i].Skipped = true
			l.system(fmt.Sprintf("check %s failing since baseline, ignored", chk.Name))
			continue
		}
		if !chk.Passed {
			filtered.Passed = false
			filtered.Diagnostics = append(filtered.Diagnostics, fmt.Sprintf("%s: %s", chk.Name, firstLine(chk.Output)))
		}
	}
	l.mu.Lock()
	l.lastValidation = &filtered
	l.mu.Unlock()
	return filtered
}

func (l *Loop) reconcileFailure(ctx context.Context, cp *domain.Checkpoint, task domain.Task, diags []string) {
	if _, err := l.Engine.Mark(ctx, task.ID, domain.TaskFailed); err != nil {
		l.Logger.Error("mark failed", "task_id", task.ID, "err", err)
	}
	for _, d := range diags {
		l.system(fmt.Sprintf("task %s failed: %s", task.ID, d))
	}
	cp.CurrentTaskID = nil
	if err := l.Engine.SaveCheckpoint(ctx, *cp); err != nil {
		l.crash(ctx, *cp, err)
	}
}

// reconcileCrashed reports whether a checkpoint write failure already moved
// the session to crashed, in which case the loop must not continue.
func (l *Loop) reconcileCrashed(ctx context.Context, cp domain.Checkpoint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.running
}

func (l *Loop) finish(ctx context.Context, cp domain.Checkpoint, status string) {
	cp.Status = status
	if err := l.Engine.SaveCheckpoint(ctx, cp); err != nil {
		l.crash(ctx, cp, err)
		return
	}
	l.system("session " + status)
}

// crash handles a checkpoint write failure: continuing without durable state
// risks silent loss, so the session dies. The crashed status save is best
// effort; if the store is gone it will fail too.
func (l *Loop) crash(ctx context.Context, cp domain.Checkpoint, err error) {
	l.Logger.Error("checkpoint write failed, crashing session", "err", err)
	l.system("checkpoint write failed: " + err.Error())
	cp.Status = domain.SessionCrashed
	if saveErr := l.Engine.SaveCheckpoint(ctx, cp); saveErr != nil {
		l.Logger.Error("crashed-status save also failed", "err", saveErr)
	}
	l.setRunning(false)
}

func (l *Loop) captureBaseline(ctx context.Context) {
	if l.Checks == nil {
		return
	}
	baseline := map[string]bool{}
	result := l.Checks.Run(ctx)
	for _, chk := range result.Checks {
		if !chk.Passed && !chk.Skipped {
			baseline[chk.Name] = true
			l.system(fmt.Sprintf("baseline: check %s already failing", chk.Name))
		}
	}
	l.mu.Lock()
	l.baseline = baseline
	l.mu.Unlock()
}

// buildInstruction assembles the agent prompt: the task itself, overall
// progress, and the diagnostics of the previous failed validation.
func (l *Loop) buildInstruction(ctx context.Context, task domain.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK %s: %s\n", task.ID, task.Title)
	if task.Description != "" {
		fmt.Fprintf(&b, "%s\n", task.Description)
	}
	if done, total, err := l.Engine.Progress(ctx); err == nil {
		fmt.Fprintf(&b, "\nProgress: %d/%d tasks completed.\n", done, total)
	}
	l.mu.Lock()
	last := l.lastValidation
	l.mu.Unlock()
	if last != nil && !last.Passed {
		b.WriteString("\nThe previous attempt failed validation:\n")
		for _, d := range last.Diagnostics {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("Fix these issues as part of your work.\n")
	}
	b.WriteString("\nWork only on this task. Validate your changes before finishing.")
	return b.String()
}

func (l *Loop) appendLog(kind, payload string) {
	l.mu.Lock()
	log := l.log
	l.mu.Unlock()
	if log != nil {
		log.Append(kind, payload)
	}
}

func (l *Loop) system(msg string) {
	l.appendLog(domain.LogSystemEvent, msg)
	l.Logger.Info(msg)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
