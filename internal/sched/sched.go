// Package sched starts sessions on a cron schedule when one is configured.
package sched

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"

	"loopline/internal/engine"
)

type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// New builds a scheduler that calls start on the given cron spec. A session
// already in flight is not an error; the tick is skipped.
func New(spec string, start func(ctx context.Context) error, logger *slog.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := start(context.Background()); err != nil {
			if errors.Is(err, engine.ErrAlreadyRunning) {
				logger.Debug("scheduled start skipped, session already running")
				return
			}
			logger.Error("scheduled session start", "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("schedule active")
	s.cron.Start()
}

// Stop halts scheduling; a session already started keeps running.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
