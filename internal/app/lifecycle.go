/**
 * @description
 * The action lifecycle drives a single insured action from creation to a
 * terminal outcome: success, compensated, or failed_permanent. It re-checks
 * authorization before every submission, retries transient failures with
 * exponential backoff, and escalates to vault compensation when retries are
 * exhausted.
 *
 * @notes
 * - Exactly one terminal transition occurs per action. Terminal guards live in
 *   both SQL (status NOT IN terminal set) and here.
 * - At most one attempt runs per action at any time: an in-process keyed lock
 *   plus a database claim (attempt_claimed_at) cover single- and multi-process
 *   deployments.
 * - Backoff is persisted as next_attempt_at rather than slept through, so
 *   retries survive restarts and a revoked grant short-circuits the action on
 *   its next wake instead of silently retrying.
 * - Compensation is requested at most once per action: the compensation_credits
 *   insert (UNIQUE on action_id) is the single trigger point, and the vault
 *   call itself carries the action id as a dedup key.
 */

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
	"github.com/Flow-Sure/flowsure-backend/pkg/flowclient"
	"github.com/Flow-Sure/flowsure-backend/pkg/rabbitmq"
)

// TransferExecutor submits one transfer to the ledger layer and reports an
// opaque outcome.
type TransferExecutor interface {
	SubmitTransfer(ctx context.Context, userAddress, recipientAddress string, amount int64, actionID string) (*flowclient.TransferResult, error)
}

// CompensationVault credits a user from the shared vault, deduplicating on
// the supplied key.
type CompensationVault interface {
	CreditFromVault(ctx context.Context, userAddress string, amount int64, dedupKey string) (string, error)
}

// AuthorizationChecker validates a pending submission against the user's
// delegated grant.
type AuthorizationChecker interface {
	Authorize(ctx context.Context, userAddress string, amount int64) (bool, error)
}

// LifecycleConfig carries the tunables of the retry/compensation machine.
type LifecycleConfig struct {
	BackoffBase        time.Duration // base delay before the first retry
	BackoffCap         time.Duration // upper bound on any single backoff delay
	ClaimTTL           time.Duration // staleness bound for abandoned attempt claims
	CompensationAmount int64         // fixed vault payout, in 1e-8 FLOW
	EventExchange      string
}

// Lifecycle is the retry/compensation state machine for insured actions.
type Lifecycle struct {
	repo     store.Repository
	auth     AuthorizationChecker
	executor TransferExecutor
	vault    CompensationVault
	events   rabbitmq.Publisher
	logger   *slog.Logger
	cfg      LifecycleConfig
	now      func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*actionLock
}

type actionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLifecycle creates the state machine.
func NewLifecycle(repo store.Repository, auth AuthorizationChecker, executor TransferExecutor, vault CompensationVault, events rabbitmq.Publisher, logger *slog.Logger, cfg LifecycleConfig) *Lifecycle {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	return &Lifecycle{
		repo:     repo,
		auth:     auth,
		executor: executor,
		vault:    vault,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		locks:    make(map[uuid.UUID]*actionLock),
	}
}

func (l *Lifecycle) acquire(id uuid.UUID) *actionLock {
	l.mu.Lock()
	lock, ok := l.locks[id]
	if !ok {
		lock = &actionLock{}
		l.locks[id] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (l *Lifecycle) release(id uuid.UUID, lock *actionLock) {
	lock.mu.Unlock()

	l.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, id)
	}
	l.mu.Unlock()
}

// Attempt runs one attempt for the action. It is safe to call concurrently
// with the same action id: only one attempt proceeds, the rest return
// immediately.
func (l *Lifecycle) Attempt(ctx context.Context, actionID uuid.UUID) error {
	lock := l.acquire(actionID)
	defer l.release(actionID, lock)

	staleBefore := l.now().Add(-l.cfg.ClaimTTL)
	claimed, err := l.repo.ClaimActionForAttempt(ctx, actionID, staleBefore)
	if err != nil {
		return fmt.Errorf("claim action: %w", err)
	}
	if !claimed {
		return nil
	}

	action, err := l.repo.FindInsuredActionByID(ctx, actionID)
	if err != nil {
		l.releaseClaim(actionID)
		return fmt.Errorf("load action: %w", err)
	}
	if action.Terminal() {
		l.releaseClaim(actionID)
		return nil
	}

	authorized, err := l.auth.Authorize(ctx, action.UserAddress, action.Amount)
	if err != nil {
		// Infrastructure failure, not a denial: leave the action for the next
		// tick without consuming a retry.
		l.releaseClaim(actionID)
		return fmt.Errorf("authorization check: %w", err)
	}
	if !authorized {
		return l.failPermanent(ctx, action, domain.FailureReasonAuthorizationDenied)
	}

	result, err := l.executor.SubmitTransfer(ctx, action.UserAddress, action.RecipientAddress, action.Amount, action.ID.String())
	if err != nil {
		l.releaseClaim(actionID)
		return fmt.Errorf("submit transfer: %w", err)
	}

	switch result.Outcome {
	case flowclient.OutcomeConfirmed:
		return l.succeed(ctx, action, result.TxID)
	case flowclient.OutcomePermanent:
		return l.failPermanent(ctx, action, domain.FailureReasonPermanentRejection)
	default:
		return l.handleTransient(ctx, action, result.Reason)
	}
}

func (l *Lifecycle) releaseClaim(actionID uuid.UUID) {
	if err := l.repo.ReleaseActionClaim(context.Background(), actionID); err != nil {
		l.logger.Warn("failed to release attempt claim", "action_id", actionID, "error", err)
	}
}

func (l *Lifecycle) succeed(ctx context.Context, action *domain.InsuredAction, txID string) error {
	if err := l.repo.MarkActionSuccess(ctx, action.ID, txID); err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	l.logger.Info("insured action succeeded",
		"action_id", action.ID, "user_address", action.UserAddress, "flow_tx_id", txID)
	l.publishStatus(ctx, action, domain.ActionStatusSuccess, "", action.Retries)
	return nil
}

func (l *Lifecycle) failPermanent(ctx context.Context, action *domain.InsuredAction, reason string) error {
	if err := l.repo.MarkActionFailedPermanent(ctx, action.ID, reason); err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}
	l.logger.Info("insured action failed permanently",
		"action_id", action.ID, "user_address", action.UserAddress, "reason", reason)
	l.publishStatus(ctx, action, domain.ActionStatusFailedPermanent, reason, action.Retries)
	return nil
}

func (l *Lifecycle) handleTransient(ctx context.Context, action *domain.InsuredAction, reason string) error {
	retries := action.Retries + 1
	if retries < action.MaxRetries {
		nextAttempt := l.now().Add(l.backoffDelay(action.Retries))
		if err := l.repo.MarkActionRetrying(ctx, action.ID, retries, nextAttempt); err != nil {
			return fmt.Errorf("mark retrying: %w", err)
		}
		l.logger.Info("insured action retrying",
			"action_id", action.ID, "retries", retries, "max_retries", action.MaxRetries,
			"next_attempt_at", nextAttempt, "reason", reason)
		return nil
	}
	return l.compensate(ctx, action, retries)
}

// backoffDelay returns base * 2^priorRetries, capped.
func (l *Lifecycle) backoffDelay(priorRetries int) time.Duration {
	delay := l.cfg.BackoffBase
	for i := 0; i < priorRetries; i++ {
		delay *= 2
		if delay >= l.cfg.BackoffCap {
			return l.cfg.BackoffCap
		}
	}
	if delay > l.cfg.BackoffCap {
		return l.cfg.BackoffCap
	}
	return delay
}

// compensate records the at-most-once vault credit and moves the action to
// its compensated terminal state. A vault payment failure leaves the credit
// pending; the compensation job re-drives it outside the action's own retry
// budget.
func (l *Lifecycle) compensate(ctx context.Context, action *domain.InsuredAction, retries int) error {
	created, err := l.repo.InsertCompensationCredit(ctx, action.ID, action.UserAddress, l.cfg.CompensationAmount)
	if err != nil {
		return fmt.Errorf("record compensation credit: %w", err)
	}

	if err := l.repo.MarkActionCompensated(ctx, action.ID, retries, domain.FailureReasonRetriesExhausted); err != nil {
		return fmt.Errorf("mark compensated: %w", err)
	}
	l.logger.Info("insured action compensated",
		"action_id", action.ID, "user_address", action.UserAddress, "retries", retries)
	l.publishStatus(ctx, action, domain.ActionStatusCompensated, domain.FailureReasonRetriesExhausted, retries)

	if created {
		l.PayCompensation(ctx, domain.CompensationCredit{
			ActionID:    action.ID,
			UserAddress: action.UserAddress,
			Amount:      l.cfg.CompensationAmount,
		})
	}
	return nil
}

// PayCompensation attempts to settle one pending credit against the vault.
// Failures are logged and left pending for the next compensation run.
func (l *Lifecycle) PayCompensation(ctx context.Context, credit domain.CompensationCredit) {
	vaultTxID, err := l.vault.CreditFromVault(ctx, credit.UserAddress, credit.Amount, credit.ActionID.String())
	if err != nil {
		l.logger.Warn("vault credit failed; will retry",
			"action_id", credit.ActionID, "user_address", credit.UserAddress, "error", err)
		return
	}
	if err := l.repo.MarkCompensationCreditPaid(ctx, credit.ActionID, vaultTxID); err != nil {
		l.logger.Error("failed to record paid compensation credit",
			"action_id", credit.ActionID, "vault_tx_id", vaultTxID, "error", err)
		return
	}
	l.publish(ctx, "compensation.paid", domain.CompensationPaidEvent{
		ActionID:    credit.ActionID,
		UserAddress: credit.UserAddress,
		Amount:      credit.Amount,
		VaultTxID:   vaultTxID,
		Timestamp:   l.now().UTC(),
	})
}

func (l *Lifecycle) publishStatus(ctx context.Context, action *domain.InsuredAction, status, reason string, retries int) {
	l.publish(ctx, "action.status."+status, domain.ActionStatusEvent{
		ActionID:    action.ID,
		UserAddress: action.UserAddress,
		ActionType:  action.ActionType,
		Amount:      action.Amount,
		Status:      status,
		Reason:      reason,
		Retries:     retries,
		Timestamp:   l.now().UTC(),
	})
}

func (l *Lifecycle) publish(ctx context.Context, routingKey string, event interface{}) {
	if l.events == nil {
		return
	}
	if err := l.events.Publish(ctx, l.cfg.EventExchange, routingKey, event); err != nil {
		l.logger.Warn("event publish failed", "routing_key", routingKey, "error", err)
	}
}
