package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
	"github.com/Flow-Sure/flowsure-backend/pkg/flowclient"
)

type dispatchRepoStub struct {
	store.Repository

	transfers []domain.ScheduledTransfer
	createErr error

	createdActions []domain.InsuredAction

	advanceCalled    bool
	advancedNextFire *time.Time
	advancedCount    int
	advancedStatus   string
}

func (s *dispatchRepoStub) FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTransfer, error) {
	return s.transfers, nil
}

func (s *dispatchRepoStub) CreateInsuredActions(ctx context.Context, actions []domain.InsuredAction) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.createdActions = append(s.createdActions, actions...)
	return nil
}

func (s *dispatchRepoStub) AdvanceScheduleCursor(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, occurrenceCount int, status string) error {
	s.advanceCalled = true
	s.advancedNextFire = nextFireAt
	s.advancedCount = occurrenceCount
	s.advancedStatus = status
	return nil
}

func newDueTransfer(recipients int, amount int64, perRecipient bool, recurring *domain.RecurringRule) domain.ScheduledTransfer {
	fireAt := time.Now().Add(-time.Minute)
	transfer := domain.ScheduledTransfer{
		ID:                 uuid.New(),
		OwnerAddress:       "0xOWNER",
		Title:              "payroll",
		Amount:             amount,
		AmountPerRecipient: perRecipient,
		RetryLimit:         3,
		ScheduledAt:        fireAt,
		Recurring:          recurring,
		Status:             domain.TransferStatusActive,
		NextFireAt:         &fireAt,
		OccurrenceCount:    0,
	}
	for i := 0; i < recipients; i++ {
		transfer.Recipients = append(transfer.Recipients, domain.Recipient{Address: "0xR" + string(rune('A'+i))})
	}
	return transfer
}

func newDispatchJobs(repo store.Repository, limiter SubmissionRateLimiter, lifecycle *Lifecycle) *Jobs {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewJobs(repo, lifecycle, limiter, logger, OrchestratorConfig{MaxInFlightPerUser: 10})
}

func TestProcessDueTransfers_FansOutOneActionPerRecipient(t *testing.T) {
	transfer := newDueTransfer(3, 100, false, nil)
	repo := &dispatchRepoStub{transfers: []domain.ScheduledTransfer{transfer}}
	jobs := newDispatchJobs(repo, nil, nil)

	jobs.ProcessDueTransfers()

	if len(repo.createdActions) != 3 {
		t.Fatalf("created %d actions, want 3", len(repo.createdActions))
	}
	// Split amounts put the remainder on the first recipient; totals stay exact.
	if repo.createdActions[0].Amount != 34 || repo.createdActions[1].Amount != 33 || repo.createdActions[2].Amount != 33 {
		t.Fatalf("split amounts = [%d %d %d], want [34 33 33]",
			repo.createdActions[0].Amount, repo.createdActions[1].Amount, repo.createdActions[2].Amount)
	}
	for _, action := range repo.createdActions {
		if action.ScheduledTransferID == nil || *action.ScheduledTransferID != transfer.ID {
			t.Fatal("actions must point at the originating transfer")
		}
		if action.ActionType != domain.ActionTypeScheduled {
			t.Fatalf("action type = %s, want scheduled_transfer", action.ActionType)
		}
		if action.MaxRetries != transfer.RetryLimit {
			t.Fatalf("max retries = %d, want %d", action.MaxRetries, transfer.RetryLimit)
		}
	}
}

func TestProcessDueTransfers_OneShotCompletes(t *testing.T) {
	transfer := newDueTransfer(1, 50, false, nil)
	repo := &dispatchRepoStub{transfers: []domain.ScheduledTransfer{transfer}}
	jobs := newDispatchJobs(repo, nil, nil)

	jobs.ProcessDueTransfers()

	if !repo.advanceCalled {
		t.Fatal("cursor must advance after a fire")
	}
	if repo.advancedStatus != domain.TransferStatusCompleted {
		t.Fatalf("status = %s, want completed", repo.advancedStatus)
	}
	if repo.advancedNextFire != nil {
		t.Fatal("a completed transfer must not keep a next fire instant")
	}
	if repo.advancedCount != 1 {
		t.Fatalf("occurrence count = %d, want 1", repo.advancedCount)
	}
}

func TestProcessDueTransfers_RecurringAdvancesOneStep(t *testing.T) {
	fireAt := mustTime(t, "2025-03-03T09:00:00Z")
	transfer := newDueTransfer(1, 50, false, &domain.RecurringRule{
		Frequency: domain.FrequencyWeekly,
		StartAt:   fireAt,
	})
	transfer.NextFireAt = &fireAt
	repo := &dispatchRepoStub{transfers: []domain.ScheduledTransfer{transfer}}
	jobs := newDispatchJobs(repo, nil, nil)

	jobs.ProcessDueTransfers()

	if repo.advancedStatus != domain.TransferStatusActive {
		t.Fatalf("status = %s, want active", repo.advancedStatus)
	}
	if repo.advancedNextFire == nil || !repo.advancedNextFire.Equal(mustTime(t, "2025-03-10T09:00:00Z")) {
		t.Fatalf("next fire = %v, want exactly one weekly step", repo.advancedNextFire)
	}
}

func TestProcessDueTransfers_ExhaustedRecurrenceCompletes(t *testing.T) {
	fireAt := mustTime(t, "2025-03-03T09:00:00Z")
	end := mustTime(t, "2025-03-05T09:00:00Z")
	transfer := newDueTransfer(1, 50, false, &domain.RecurringRule{
		Frequency: domain.FrequencyWeekly,
		StartAt:   fireAt,
		EndAt:     &end,
	})
	transfer.NextFireAt = &fireAt
	repo := &dispatchRepoStub{transfers: []domain.ScheduledTransfer{transfer}}
	jobs := newDispatchJobs(repo, nil, nil)

	jobs.ProcessDueTransfers()

	if repo.advancedStatus != domain.TransferStatusCompleted {
		t.Fatalf("status = %s, want completed when the rule is exhausted", repo.advancedStatus)
	}
}

func TestProcessDueTransfers_ActionFailureLeavesCursor(t *testing.T) {
	transfer := newDueTransfer(1, 50, false, nil)
	repo := &dispatchRepoStub{
		transfers: []domain.ScheduledTransfer{transfer},
		createErr: errors.New("db unavailable"),
	}
	jobs := newDispatchJobs(repo, nil, nil)

	jobs.ProcessDueTransfers()

	if repo.advanceCalled {
		t.Fatal("cursor must not advance when action creation fails; the fire retries next tick")
	}
}

// Due-attempt methods for the lifecycle stub used by the attempt job tests.

func (s *lifecycleRepoStub) FindDueActions(ctx context.Context, now time.Time, limit int) ([]domain.InsuredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []domain.InsuredAction{*s.action}, nil
}

func (s *lifecycleRepoStub) FindPendingCompensationCredits(ctx context.Context, limit int) ([]domain.CompensationCredit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.creditExists || s.creditPaid {
		return nil, nil
	}
	return []domain.CompensationCredit{{
		ActionID:    s.action.ID,
		UserAddress: s.action.UserAddress,
		Amount:      10_00000000,
		Status:      domain.CompensationStatusPending,
	}}, nil
}

type limiterStub struct {
	count int
	err   error
}

func (s *limiterStub) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	return s.count, 1, nil
}

func TestProcessDueAttempts_RunsDueAction(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed, TxID: "tx-1"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})
	jobs := newDispatchJobs(repo, nil, lc)

	jobs.ProcessDueAttempts()

	if executor.calls != 1 {
		t.Fatalf("executor ran %d times, want 1", executor.calls)
	}
	if repo.action.Status != domain.ActionStatusSuccess {
		t.Fatalf("status = %s, want success", repo.action.Status)
	}
}

func TestProcessDueAttempts_OverLimitUserIsDeferred(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})
	jobs := newDispatchJobs(repo, &limiterStub{count: 11}, lc)

	jobs.ProcessDueAttempts()

	if executor.calls != 0 {
		t.Fatal("an over-limit user's action must be deferred to the next tick")
	}
	if repo.action.Status != domain.ActionStatusPending {
		t.Fatalf("status = %s, want pending", repo.action.Status)
	}
}

func TestProcessDueAttempts_LimiterOutageDoesNotBlock(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed, TxID: "tx-1"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})
	jobs := newDispatchJobs(repo, &limiterStub{err: errors.New("redis down")}, lc)

	jobs.ProcessDueAttempts()

	if executor.calls != 1 {
		t.Fatal("a limiter outage must not stop due attempts")
	}
}

func TestProcessPendingCompensations_SettlesCredit(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(3, 3), creditExists: true}
	vault := &vaultStub{txID: "vault-tx-9"}
	lc := newTestLifecycle(repo, &authStub{}, &executorStub{}, vault)
	jobs := newDispatchJobs(repo, nil, lc)

	jobs.ProcessPendingCompensations()

	if vault.calls != 1 {
		t.Fatalf("vault credited %d times, want 1", vault.calls)
	}
	if !repo.creditPaid || repo.paidVaultTxID != "vault-tx-9" {
		t.Fatalf("credit not settled: paid=%v tx=%q", repo.creditPaid, repo.paidVaultTxID)
	}
}
