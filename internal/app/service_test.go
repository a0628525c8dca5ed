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
)

type serviceRepoStub struct {
	store.Repository

	createdTransfer *domain.ScheduledTransfer
	createdActions  []domain.InsuredAction
	cancelHit       bool
}

func (s *serviceRepoStub) CreateScheduledTransfer(ctx context.Context, transfer *domain.ScheduledTransfer) error {
	s.createdTransfer = transfer
	return nil
}

func (s *serviceRepoStub) CreateInsuredActions(ctx context.Context, actions []domain.InsuredAction) error {
	s.createdActions = append(s.createdActions, actions...)
	return nil
}

func (s *serviceRepoStub) CancelScheduledTransfer(ctx context.Context, id uuid.UUID, ownerAddress string) (bool, error) {
	return s.cancelHit, nil
}

func (s *serviceRepoStub) FindActiveGrantByUser(ctx context.Context, userAddress string) (*domain.AuthorizationGrant, error) {
	return nil, store.ErrGrantNotFound
}

type resolverStub struct {
	recipients []domain.Recipient
	err        error
	lastListID string
}

func (s *resolverStub) GetListRecipients(ctx context.Context, listID, ownerAddress string) ([]domain.Recipient, error) {
	s.lastListID = listID
	if s.err != nil {
		return nil, s.err
	}
	return s.recipients, nil
}

func newTestService(repo *serviceRepoStub, resolver RecipientListResolver) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authorizer := NewAuthorizer(repo, nil, logger)
	return NewService(repo, authorizer, resolver, nil, logger, DefaultEstimateHorizonDays)
}

func validCreateRequest() domain.CreateScheduledTransferRequest {
	recipient := "0xRECIPIENT"
	return domain.CreateScheduledTransferRequest{
		Title:         "rent",
		Amount:        100_00000000,
		ScheduledDate: time.Now().Add(24 * time.Hour),
		RetryLimit:    3,
		Recipient:     &recipient,
	}
}

func assertValidationError(t *testing.T, err error, field string) {
	t.Helper()
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("err = %v, want a validation error on %s", err, field)
	}
	if vErr.Field != field {
		t.Fatalf("validation field = %s, want %s", vErr.Field, field)
	}
}

func TestCreateScheduledTransfer_RejectsPastDate(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)
	req := validCreateRequest()
	req.ScheduledDate = time.Now().Add(-time.Hour)

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "scheduled_date")
}

func TestCreateScheduledTransfer_RejectsUnsupportedRetryLimit(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)
	req := validCreateRequest()
	req.RetryLimit = 4

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "retry_limit")
}

func TestCreateScheduledTransfer_RequiresExactlyOneRecipientMode(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)

	req := validCreateRequest()
	req.Recipient = nil
	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "recipients")

	req = validCreateRequest()
	req.Recipients = []domain.Recipient{{Address: "0xOTHER"}}
	_, err = service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "recipients")
}

func TestCreateScheduledTransfer_RejectsRecurrenceWithoutFlag(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)
	req := validCreateRequest()
	frequency := domain.FrequencyWeekly
	req.RecurringFrequency = &frequency

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "is_recurring")
}

func TestCreateScheduledTransfer_RejectsRecurringWithoutFrequency(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)
	req := validCreateRequest()
	req.IsRecurring = true

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "recurring_frequency")
}

func TestCreateScheduledTransfer_SingleRecipient(t *testing.T) {
	repo := &serviceRepoStub{}
	service := newTestService(repo, nil)

	transfer, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", validCreateRequest())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if repo.createdTransfer == nil {
		t.Fatal("transfer was not persisted")
	}
	if transfer.Status != domain.TransferStatusActive {
		t.Fatalf("status = %s, want active", transfer.Status)
	}
	if transfer.NextFireAt == nil || !transfer.NextFireAt.Equal(transfer.ScheduledAt) {
		t.Fatal("first fire instant must be the scheduled date")
	}
	if len(transfer.Recipients) != 1 || transfer.Recipients[0].Address != "0xRECIPIENT" {
		t.Fatalf("recipients = %+v, want the single named recipient", transfer.Recipients)
	}
}

func TestCreateScheduledTransfer_RecurringAnchorsAtScheduledDate(t *testing.T) {
	repo := &serviceRepoStub{}
	service := newTestService(repo, nil)
	req := validCreateRequest()
	req.IsRecurring = true
	frequency := domain.FrequencyMonthly
	req.RecurringFrequency = &frequency

	transfer, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if transfer.Recurring == nil {
		t.Fatal("recurring rule missing")
	}
	if !transfer.Recurring.StartAt.Equal(req.ScheduledDate) {
		t.Fatal("recurrence must anchor at the scheduled date")
	}
}

func TestCreateScheduledTransfer_ResolvesRecipientList(t *testing.T) {
	repo := &serviceRepoStub{}
	resolver := &resolverStub{recipients: []domain.Recipient{
		{Address: "0xA"}, {Address: "0xB"},
	}}
	service := newTestService(repo, resolver)

	listID := "team-payroll"
	req := validCreateRequest()
	req.Recipient = nil
	req.RecipientListID = &listID

	transfer, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if resolver.lastListID != listID {
		t.Fatalf("resolved list %q, want %q", resolver.lastListID, listID)
	}
	if len(transfer.Recipients) != 2 {
		t.Fatalf("recipients = %d, want 2", len(transfer.Recipients))
	}
}

func TestCreateScheduledTransfer_ListWithoutResolverFailsCleanly(t *testing.T) {
	repo := &serviceRepoStub{}
	service := newTestService(repo, nil)

	listID := "team-payroll"
	req := validCreateRequest()
	req.Recipient = nil
	req.RecipientListID = &listID

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	if err == nil {
		t.Fatal("expected an error when no recipient-list service is configured")
	}
	if repo.createdTransfer != nil {
		t.Fatal("transfer must not be persisted when list resolution is unavailable")
	}
}

func TestCreateScheduledTransfer_EmptyListRejected(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, &resolverStub{})
	listID := "empty"
	req := validCreateRequest()
	req.Recipient = nil
	req.RecipientListID = &listID

	_, err := service.CreateScheduledTransfer(context.Background(), "0xOWNER", req)
	assertValidationError(t, err, "recipient_list_id")
}

func TestCancelScheduledTransfer_NotFound(t *testing.T) {
	service := newTestService(&serviceRepoStub{cancelHit: false}, nil)

	err := service.CancelScheduledTransfer(context.Background(), "0xOWNER", uuid.New())
	if !errors.Is(err, store.ErrTransferNotFound) {
		t.Fatalf("err = %v, want ErrTransferNotFound", err)
	}
}

func TestInsureAction_RejectsUnknownType(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)

	_, err := service.InsureAction(context.Background(), "0xUSER", domain.InsureActionRequest{
		ActionType: "stake",
		Amount:     100,
		MaxRetries: 3,
	})
	assertValidationError(t, err, "action_type")
}

func TestInsureAction_TransferRequiresRecipient(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)

	_, err := service.InsureAction(context.Background(), "0xUSER", domain.InsureActionRequest{
		ActionType: domain.ActionTypeTransfer,
		Amount:     100,
		MaxRetries: 3,
	})
	assertValidationError(t, err, "recipient")
}

func TestInsureAction_EnqueuesDueNow(t *testing.T) {
	repo := &serviceRepoStub{}
	service := newTestService(repo, nil)

	action, err := service.InsureAction(context.Background(), "0xUSER", domain.InsureActionRequest{
		ActionType: domain.ActionTypeSwap,
		Amount:     25_00000000,
		MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("insure failed: %v", err)
	}

	if len(repo.createdActions) != 1 {
		t.Fatalf("created %d actions, want 1", len(repo.createdActions))
	}
	if action.Status != domain.ActionStatusPending {
		t.Fatalf("status = %s, want pending", action.Status)
	}
	if action.NextAttemptAt == nil || action.NextAttemptAt.After(time.Now()) {
		t.Fatal("a one-off insured action must be due immediately")
	}
}

func TestEstimateRecurringCost_Validation(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)

	_, err := service.EstimateRecurringCost(context.Background(), domain.RecurringCostQuery{
		Amount:         0,
		RecipientCount: 1,
		Frequency:      domain.FrequencyDaily,
	})
	assertValidationError(t, err, "amount")

	_, err = service.EstimateRecurringCost(context.Background(), domain.RecurringCostQuery{
		Amount:         100,
		RecipientCount: 1,
		Frequency:      "yearly",
	})
	assertValidationError(t, err, "frequency")
}

func TestEstimateRecurringCost_BoundedRule(t *testing.T) {
	service := newTestService(&serviceRepoStub{}, nil)
	start := mustTime(t, "2025-01-01T09:00:00Z")
	end := mustTime(t, "2025-01-22T09:00:00Z")

	estimate, err := service.EstimateRecurringCost(context.Background(), domain.RecurringCostQuery{
		Amount:         10_00000000,
		RecipientCount: 1,
		StartDate:      start,
		Frequency:      domain.FrequencyWeekly,
		EndDate:        &end,
	})
	if err != nil {
		t.Fatalf("estimate failed: %v", err)
	}
	if estimate.Occurrences != 4 || estimate.TotalCost != 40_00000000 {
		t.Fatalf("estimate = %+v, want 4 occurrences and 40 FLOW total", estimate)
	}
}
