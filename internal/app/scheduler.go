/**
 * @description
 * Cron scheduler setup for the orchestrator jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/Flow-Sure/flowsure-backend/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.config.TransferDispatchJobSchedule, s.jobs.ProcessDueTransfers); err != nil {
		s.logger.Error("failed to schedule transfer dispatch job", "error", err)
	} else {
		s.logger.Info("scheduled transfer dispatch job", "schedule", s.config.TransferDispatchJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.ActionAttemptJobSchedule, s.jobs.ProcessDueAttempts); err != nil {
		s.logger.Error("failed to schedule action attempt job", "error", err)
	} else {
		s.logger.Info("scheduled action attempt job", "schedule", s.config.ActionAttemptJobSchedule)
	}

	if _, err := s.cron.AddFunc(s.config.CompensationJobSchedule, s.jobs.ProcessPendingCompensations); err != nil {
		s.logger.Error("failed to schedule compensation job", "error", err)
	} else {
		s.logger.Info("scheduled compensation job", "schedule", s.config.CompensationJobSchedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
