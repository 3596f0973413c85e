// Package validator runs project-level checks and folds them into a single
// pass/fail verdict. Checks are plain commands executed in the project
// directory; one failing check never prevents the others from running.
package validator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"loopline/internal/config"
	"loopline/internal/domain"
)

const defaultCheckTimeout = 60 * time.Second

type Validator struct {
	ProjectDir string
	Checks     []config.Check
}

func New(projectDir string, checks []config.Check) Validator {
	return Validator{ProjectDir: projectDir, Checks: checks}
}

// Run executes every configured check and folds the results. A check that
// cannot even start (tool missing, bad command) counts as failed with a
// diagnostic, never as a process-fatal error.
func (v Validator) Run(ctx context.Context) domain.ValidationResult {
	result := domain.ValidationResult{Passed: true}
	for _, chk := range v.Checks {
		report := v.runCheck(ctx, chk)
		result.Checks = append(result.Checks, report)
		if !report.Passed && !report.Skipped {
			result.Passed = false
			diag := fmt.Sprintf("%s: %s", report.Name, firstLine(report.Output))
			result.Diagnostics = append(result.Diagnostics, diag)
		}
	}
	return result
}

func (v Validator) runCheck(ctx context.Context, chk config.Check) domain.CheckReport {
	report := domain.CheckReport{Name: chk.Name}

	argv, err := shellquote.Split(chk.Command)
	if err != nil || len(argv) == 0 {
		report.Output = fmt.Sprintf("invalid command %q: %v", chk.Command, err)
		return report
	}

	timeout := defaultCheckTimeout
	if chk.TimeoutSeconds > 0 {
		timeout = time.Duration(chk.TimeoutSeconds) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, argv[0], argv[1:]...)
	cmd.Dir = v.ProjectDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err = cmd.Run()
	report.Output = tail(buf.String(), 2000)

	switch {
	case err == nil:
		report.Passed = true
	case errors.Is(cmdCtx.Err(), context.DeadlineExceeded):
		report.Output = strings.TrimSpace(report.Output + "\ntimed out after " + timeout.String())
	case errors.Is(err, exec.ErrNotFound):
		report.Output = fmt.Sprintf("tool not found: %s", argv[0])
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if report.Output == "" {
				report.Output = fmt.Sprintf("exit code %d", exitErr.ExitCode())
			}
		} else if report.Output == "" {
			report.Output = err.Error()
		}
	}
	return report
}

// tail keeps the last n bytes of command output; failures usually summarize
// at the end.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
