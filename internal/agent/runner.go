// Package agent spawns and supervises the external code-generation process.
// The process is opaque: the runner writes an instruction to its stdin,
// streams parsed events out, and forwards operator messages back in at
// event boundaries.
package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
)

var (
	ErrSpawn   = errors.New("agent spawn failed")
	ErrTimeout = errors.New("agent timed out")
)

// RunParams describes one agent invocation.
type RunParams struct {
	Dir         string
	Instruction string
	// OnEvent receives each parsed output event. It is the per-action safe
	// boundary: stop requests and message injection both happen here.
	OnEvent func(kind, payload string)
	// NextMessages is polled at each event boundary; returned messages are
	// written to the agent's stdin.
	NextMessages func() []string
}

// ProcessRunner runs the configured agent command once per call to Run.
type ProcessRunner struct {
	Command string
	Timeout time.Duration
	Logger  *slog.Logger

	mu   sync.Mutex
	proc *os.Process
}

// Run spawns the agent, writes the instruction, and streams output until the
// process exits or the timeout elapses. Stop requests arrive via Terminate.
func (r *ProcessRunner) Run(ctx context.Context, p RunParams) error {
	argv, err := shellquote.Split(r.Command)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("%w: bad command %q: %v", ErrSpawn, r.Command, err)
	}

	runCtx := ctx
	cancel := func() {}
	if r.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = p.Dir
	cmd.Cancel = func() error {
		// graceful first; CommandContext's default is an immediate kill
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	r.mu.Lock()
	r.proc = cmd.Process
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.proc = nil
		r.mu.Unlock()
	}()

	if _, err := io.WriteString(stdin, p.Instruction+"\n"); err != nil {
		if r.Logger != nil {
			r.Logger.Warn("write instruction", "err", err)
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		kind, payload, ok := ParseLine(scanner.Text())
		if !ok {
			continue
		}
		if p.OnEvent != nil {
			p.OnEvent(kind, payload)
		}
		// event boundary: forward any queued operator messages
		if p.NextMessages != nil {
			for _, msg := range p.NextMessages() {
				if _, err := io.WriteString(stdin, msg+"\n"); err != nil {
					break
				}
			}
		}
	}
	stdin.Close()

	waitErr := cmd.Wait()
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrTimeout
	}
	return waitErr
}

// Terminate asks the running agent to exit. It sends SIGTERM, never a hard
// kill; callers invoke it only at safe boundaries.
func (r *ProcessRunner) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		_ = r.proc.Signal(syscall.SIGTERM)
	}
}

// Kill force-kills the agent process. Exposed as a last-resort operator
// escalation; nothing in the loop calls it automatically.
func (r *ProcessRunner) Kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		_ = r.proc.Kill()
	}
}
