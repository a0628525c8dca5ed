package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
	"github.com/Flow-Sure/flowsure-backend/pkg/flowclient"
)

type lifecycleRepoStub struct {
	store.Repository

	mu     sync.Mutex
	action *domain.InsuredAction

	claimDenied   bool
	claimCalls    int
	releaseCalls  int
	creditExists  bool
	creditCalls   int
	creditPaid    bool
	paidVaultTxID string

	successTxID     string
	retryingRetries int
	retryingNextAt  time.Time
	failedReason    string
	compensated     bool
	compensatedWith int
}

func (s *lifecycleRepoStub) ClaimActionForAttempt(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++
	if s.claimDenied {
		return false, nil
	}
	s.claimDenied = true
	return true, nil
}

func (s *lifecycleRepoStub) ReleaseActionClaim(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCalls++
	s.claimDenied = false
	return nil
}

func (s *lifecycleRepoStub) FindInsuredActionByID(ctx context.Context, id uuid.UUID) (*domain.InsuredAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.action
	return &copied, nil
}

func (s *lifecycleRepoStub) MarkActionSuccess(ctx context.Context, id uuid.UUID, flowTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action.Status = domain.ActionStatusSuccess
	s.successTxID = flowTxID
	return nil
}

func (s *lifecycleRepoStub) MarkActionRetrying(ctx context.Context, id uuid.UUID, retries int, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action.Status = domain.ActionStatusRetrying
	s.action.Retries = retries
	s.retryingRetries = retries
	s.retryingNextAt = nextAttemptAt
	return nil
}

func (s *lifecycleRepoStub) MarkActionFailedPermanent(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action.Status = domain.ActionStatusFailedPermanent
	s.failedReason = reason
	return nil
}

func (s *lifecycleRepoStub) MarkActionCompensated(ctx context.Context, id uuid.UUID, retries int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action.Status = domain.ActionStatusCompensated
	s.compensated = true
	s.compensatedWith = retries
	return nil
}

func (s *lifecycleRepoStub) InsertCompensationCredit(ctx context.Context, actionID uuid.UUID, userAddress string, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditCalls++
	if s.creditExists {
		return false, nil
	}
	s.creditExists = true
	return true, nil
}

func (s *lifecycleRepoStub) MarkCompensationCreditPaid(ctx context.Context, actionID uuid.UUID, vaultTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditPaid = true
	s.paidVaultTxID = vaultTxID
	return nil
}

type authStub struct {
	authorized bool
	err        error
	calls      int
}

func (s *authStub) Authorize(ctx context.Context, userAddress string, amount int64) (bool, error) {
	s.calls++
	return s.authorized, s.err
}

type executorStub struct {
	mu      sync.Mutex
	results []flowclient.TransferResult
	err     error
	calls   int
}

func (s *executorStub) SubmitTransfer(ctx context.Context, userAddress, recipientAddress string, amount int64, actionID string) (*flowclient.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	result := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return &result, nil
}

type vaultStub struct {
	txID  string
	err   error
	calls int
}

func (s *vaultStub) CreditFromVault(ctx context.Context, userAddress string, amount int64, dedupKey string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.txID, nil
}

func newTestAction(retries, maxRetries int) *domain.InsuredAction {
	now := time.Now()
	return &domain.InsuredAction{
		ID:               uuid.New(),
		UserAddress:      "0xUSER",
		ActionType:       domain.ActionTypeScheduled,
		RecipientAddress: "0xRECIPIENT",
		Amount:           10_00000000,
		Retries:          retries,
		MaxRetries:       maxRetries,
		Status:           domain.ActionStatusPending,
		NextAttemptAt:    &now,
	}
}

func newTestLifecycle(repo *lifecycleRepoStub, auth *authStub, executor *executorStub, vault *vaultStub) *Lifecycle {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLifecycle(repo, auth, executor, vault, nil, logger, LifecycleConfig{
		BackoffBase:        30 * time.Second,
		BackoffCap:         time.Hour,
		ClaimTTL:           5 * time.Minute,
		CompensationAmount: 10_00000000,
	})
}

func TestAttempt_ConfirmedMarksSuccess(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed, TxID: "tx-123"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if repo.action.Status != domain.ActionStatusSuccess {
		t.Fatalf("status = %s, want success", repo.action.Status)
	}
	if repo.successTxID != "tx-123" {
		t.Fatalf("recorded tx id = %q, want tx-123", repo.successTxID)
	}
}

func TestAttempt_TransientSchedulesRetryWithBackoff(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeTransient, Reason: "network congestion"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	before := time.Now()
	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if repo.action.Status != domain.ActionStatusRetrying {
		t.Fatalf("status = %s, want retrying", repo.action.Status)
	}
	if repo.retryingRetries != 1 {
		t.Fatalf("retries = %d, want 1", repo.retryingRetries)
	}
	// First retry waits the base delay.
	delay := repo.retryingNextAt.Sub(before)
	if delay < 29*time.Second || delay > 35*time.Second {
		t.Fatalf("next attempt delay = %v, want ~30s", delay)
	}
}

func TestAttempt_RetriesExhaustedCompensatesExactlyOnce(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(2, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeTransient, Reason: "network congestion"}}}
	vault := &vaultStub{txID: "vault-tx-1"}
	lc := newTestLifecycle(repo, auth, executor, vault)

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if repo.action.Status != domain.ActionStatusCompensated {
		t.Fatalf("status = %s, want compensated", repo.action.Status)
	}
	if repo.compensatedWith != 3 {
		t.Fatalf("compensated with retries = %d, want 3", repo.compensatedWith)
	}
	if vault.calls != 1 {
		t.Fatalf("vault credited %d times, want exactly once", vault.calls)
	}
	if !repo.creditPaid || repo.paidVaultTxID != "vault-tx-1" {
		t.Fatalf("credit not settled: paid=%v tx=%q", repo.creditPaid, repo.paidVaultTxID)
	}
}

func TestAttempt_ExistingCreditSkipsVault(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(2, 3), creditExists: true}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeTransient}}}
	vault := &vaultStub{txID: "vault-tx-1"}
	lc := newTestLifecycle(repo, auth, executor, vault)

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if vault.calls != 0 {
		t.Fatal("vault must not be credited when the credit row already exists")
	}
	if repo.action.Status != domain.ActionStatusCompensated {
		t.Fatalf("status = %s, want compensated", repo.action.Status)
	}
}

func TestAttempt_VaultFailureLeavesCreditPending(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(2, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeTransient}}}
	vault := &vaultStub{err: errors.New("vault unavailable")}
	lc := newTestLifecycle(repo, auth, executor, vault)

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if repo.action.Status != domain.ActionStatusCompensated {
		t.Fatalf("status = %s, want compensated", repo.action.Status)
	}
	if repo.creditPaid {
		t.Fatal("credit must stay pending when the vault call fails")
	}
}

func TestAttempt_AuthorizationDeniedFailsPermanently(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(1, 3)}
	auth := &authStub{authorized: false}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if executor.calls != 0 {
		t.Fatal("a denied action must never reach the executor")
	}
	if repo.action.Status != domain.ActionStatusFailedPermanent {
		t.Fatalf("status = %s, want failed_permanent", repo.action.Status)
	}
	if repo.failedReason != domain.FailureReasonAuthorizationDenied {
		t.Fatalf("failure reason = %q, want authorization_denied", repo.failedReason)
	}
	// Denial consumes no retry budget.
	if repo.retryingRetries != 0 {
		t.Fatalf("retries consumed = %d, want 0", repo.retryingRetries)
	}
}

func TestAttempt_AuthorizationErrorLeavesActionDue(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(1, 3)}
	auth := &authStub{err: errors.New("gateway timeout")}
	executor := &executorStub{}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), repo.action.ID); err == nil {
		t.Fatal("expected an error from an authorization infrastructure failure")
	}

	if executor.calls != 0 {
		t.Fatal("executor must not run without an authorization verdict")
	}
	if repo.action.Status != domain.ActionStatusPending {
		t.Fatalf("status = %s, want pending (no state consumed)", repo.action.Status)
	}
	if repo.releaseCalls != 1 {
		t.Fatalf("claim released %d times, want 1", repo.releaseCalls)
	}
}

func TestAttempt_PermanentRejectionFailsPermanently(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomePermanent, Reason: "invalid recipient"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if repo.action.Status != domain.ActionStatusFailedPermanent {
		t.Fatalf("status = %s, want failed_permanent", repo.action.Status)
	}
	if repo.failedReason != domain.FailureReasonPermanentRejection {
		t.Fatalf("failure reason = %q, want permanent_rejection", repo.failedReason)
	}
}

func TestAttempt_TerminalActionIsUntouched(t *testing.T) {
	action := newTestAction(0, 3)
	action.Status = domain.ActionStatusSuccess
	repo := &lifecycleRepoStub{action: action}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if executor.calls != 0 {
		t.Fatal("a terminal action must never be re-submitted")
	}
	if auth.calls != 0 {
		t.Fatal("a terminal action must not be re-authorized")
	}
}

func TestAttempt_HeldClaimSkipsDuplicate(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3), claimDenied: true}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	if err := lc.Attempt(context.Background(), repo.action.ID); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}

	if executor.calls != 0 {
		t.Fatal("an action with a live claim must not run a second attempt")
	}
}

func TestAttempt_ConcurrentCallsRunOneAttempt(t *testing.T) {
	repo := &lifecycleRepoStub{action: newTestAction(0, 3)}
	auth := &authStub{authorized: true}
	executor := &executorStub{results: []flowclient.TransferResult{{Outcome: flowclient.OutcomeConfirmed, TxID: "tx-1"}}}
	lc := newTestLifecycle(repo, auth, executor, &vaultStub{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lc.Attempt(context.Background(), repo.action.ID)
		}()
	}
	wg.Wait()

	if executor.calls != 1 {
		t.Fatalf("executor ran %d times, want exactly 1", executor.calls)
	}
}

func TestBackoffDelay_GrowsAndCaps(t *testing.T) {
	lc := newTestLifecycle(&lifecycleRepoStub{action: newTestAction(0, 3)}, &authStub{}, &executorStub{}, &vaultStub{})

	if got := lc.backoffDelay(0); got != 30*time.Second {
		t.Fatalf("delay after 0 retries = %v, want 30s", got)
	}
	if got := lc.backoffDelay(2); got != 2*time.Minute {
		t.Fatalf("delay after 2 retries = %v, want 2m", got)
	}
	if got := lc.backoffDelay(20); got != time.Hour {
		t.Fatalf("delay after 20 retries = %v, want the 1h cap", got)
	}
}
