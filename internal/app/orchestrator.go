/**
 * @description
 * Orchestrator jobs: the periodic loops that turn due schedule entries into
 * insured actions, run due attempts through the lifecycle, and settle pending
 * compensation credits.
 *
 * @notes
 * - A fired occurrence fans out to exactly one insured action per recipient.
 * - The schedule cursor advances exactly one step per firing, regardless of
 *   how the dispatched actions end up. Occurrences never compound after
 *   downtime: the next fire is computed from the recurrence anchor, not from
 *   "now plus interval".
 * - Due attempts run through a bounded worker pool; the Redis limiter paces
 *   submissions per user across processes. An action skipped by either bound
 *   stays due and is picked up on the next tick.
 */

package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
)

// SubmissionRateLimiter paces per-user on-chain submissions. A nil limiter
// disables pacing.
type SubmissionRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// OrchestratorConfig carries the batch and concurrency bounds of the jobs.
type OrchestratorConfig struct {
	TransferBatchSize     int
	AttemptBatchSize      int
	MaxConcurrentAttempts int
	MaxInFlightPerUser    int
	PerUserWindow         time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo      store.Repository
	lifecycle *Lifecycle
	limiter   SubmissionRateLimiter
	logger    *slog.Logger
	cfg       OrchestratorConfig
	now       func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo store.Repository, lifecycle *Lifecycle, limiter SubmissionRateLimiter, logger *slog.Logger, cfg OrchestratorConfig) *Jobs {
	if cfg.TransferBatchSize <= 0 {
		cfg.TransferBatchSize = 100
	}
	if cfg.AttemptBatchSize <= 0 {
		cfg.AttemptBatchSize = 200
	}
	if cfg.MaxConcurrentAttempts <= 0 {
		cfg.MaxConcurrentAttempts = 16
	}
	if cfg.PerUserWindow <= 0 {
		cfg.PerUserWindow = time.Minute
	}
	return &Jobs{
		repo:      repo,
		lifecycle: lifecycle,
		limiter:   limiter,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ProcessDueTransfers finds schedule entries whose fire instant has passed,
// fans each one out into insured actions, and advances its cursor one step.
func (j *Jobs) ProcessDueTransfers() {
	j.logger.Info("starting due transfer dispatch job")
	ctx := context.Background()
	now := j.now()

	transfers, err := j.repo.FindDueScheduledTransfers(ctx, now, j.cfg.TransferBatchSize)
	if err != nil {
		j.logger.Error("failed to find due scheduled transfers", "error", err)
		return
	}

	if len(transfers) == 0 {
		j.logger.Info("no due scheduled transfers to dispatch")
		return
	}

	j.logger.Info("found due scheduled transfers", "count", len(transfers))

	for i := range transfers {
		j.dispatchTransfer(ctx, &transfers[i], now)
	}

	j.logger.Info("due transfer dispatch job finished")
}

func (j *Jobs) dispatchTransfer(ctx context.Context, transfer *domain.ScheduledTransfer, now time.Time) {
	j.logger.Info("dispatching scheduled transfer",
		"transfer_id", transfer.ID, "owner_address", transfer.OwnerAddress,
		"recipients", len(transfer.Recipients), "occurrence", transfer.OccurrenceCount+1)

	actions := j.buildActions(transfer, now)
	if len(actions) > 0 {
		if err := j.repo.CreateInsuredActions(ctx, actions); err != nil {
			// Leave the cursor alone; the transfer stays due and is retried on
			// the next tick.
			j.logger.Error("failed to create insured actions for transfer",
				"transfer_id", transfer.ID, "error", err)
			return
		}
	}

	nextFireAt, status := j.nextCursor(transfer)
	if err := j.repo.AdvanceScheduleCursor(ctx, transfer.ID, nextFireAt, transfer.OccurrenceCount+1, status); err != nil {
		j.logger.Error("failed to advance schedule cursor",
			"transfer_id", transfer.ID, "error", err)
		return
	}

	j.logger.Info("dispatched scheduled transfer",
		"transfer_id", transfer.ID, "actions", len(actions), "status", status)
}

func (j *Jobs) buildActions(transfer *domain.ScheduledTransfer, now time.Time) []domain.InsuredAction {
	amounts := transfer.RecipientAmounts()
	actions := make([]domain.InsuredAction, 0, len(transfer.Recipients))
	for i, recipient := range transfer.Recipients {
		transferID := transfer.ID
		nextAttempt := now
		actions = append(actions, domain.InsuredAction{
			ID:                  uuid.New(),
			ScheduledTransferID: &transferID,
			UserAddress:         transfer.OwnerAddress,
			ActionType:          domain.ActionTypeScheduled,
			RecipientAddress:    recipient.Address,
			Amount:              amounts[i],
			Retries:             0,
			MaxRetries:          transfer.RetryLimit,
			Status:              domain.ActionStatusPending,
			NextAttemptAt:       &nextAttempt,
		})
	}
	return actions
}

// nextCursor computes the schedule's state after the current firing: the next
// occurrence instant for a recurring rule with more steps, or the completed
// terminal for a one-off or an exhausted rule.
func (j *Jobs) nextCursor(transfer *domain.ScheduledTransfer) (*time.Time, string) {
	if transfer.Recurring == nil || transfer.NextFireAt == nil {
		return nil, domain.TransferStatusCompleted
	}
	next, ok := NextOccurrence(*transfer.Recurring, *transfer.NextFireAt)
	if !ok {
		return nil, domain.TransferStatusCompleted
	}
	return &next, domain.TransferStatusActive
}

// ProcessDueAttempts runs every action whose next_attempt_at has passed
// through the lifecycle, bounded by the worker pool and per-user pacing.
func (j *Jobs) ProcessDueAttempts() {
	j.logger.Info("starting due attempt job")
	ctx := context.Background()
	now := j.now()

	actions, err := j.repo.FindDueActions(ctx, now, j.cfg.AttemptBatchSize)
	if err != nil {
		j.logger.Error("failed to find due actions", "error", err)
		return
	}

	if len(actions) == 0 {
		j.logger.Info("no due actions to attempt")
		return
	}

	j.logger.Info("found due actions", "count", len(actions))

	sem := make(chan struct{}, j.cfg.MaxConcurrentAttempts)
	var wg sync.WaitGroup
	for i := range actions {
		action := actions[i]

		if j.limiter != nil && j.cfg.MaxInFlightPerUser > 0 {
			count, retryAfter, limErr := j.limiter.ConsumeRateLimit(ctx, "action_attempt", action.UserAddress, j.cfg.MaxInFlightPerUser, j.cfg.PerUserWindow)
			if limErr != nil {
				j.logger.Warn("rate limiter unavailable; attempting anyway",
					"action_id", action.ID, "error", limErr)
			} else if count > j.cfg.MaxInFlightPerUser {
				j.logger.Info("per-user submission limit reached; deferring action",
					"action_id", action.ID, "user_address", action.UserAddress, "retry_after_seconds", retryAfter)
				continue
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := j.lifecycle.Attempt(ctx, action.ID); err != nil {
				j.logger.Error("action attempt failed", "action_id", action.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	j.logger.Info("due attempt job finished")
}

// ProcessPendingCompensations re-drives vault credits that were recorded but
// not yet paid out.
func (j *Jobs) ProcessPendingCompensations() {
	j.logger.Info("starting pending compensation job")
	ctx := context.Background()

	credits, err := j.repo.FindPendingCompensationCredits(ctx, j.cfg.AttemptBatchSize)
	if err != nil {
		j.logger.Error("failed to find pending compensation credits", "error", err)
		return
	}

	if len(credits) == 0 {
		j.logger.Info("no pending compensation credits")
		return
	}

	j.logger.Info("found pending compensation credits", "count", len(credits))

	for _, credit := range credits {
		j.lifecycle.PayCompensation(ctx, credit)
	}

	j.logger.Info("pending compensation job finished")
}
