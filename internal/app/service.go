/**
 * @description
 * This file contains the core business logic for the flowsure-backend. The
 * `Service` struct implements the API-facing use cases: creating and
 * cancelling scheduled transfers, insuring one-off actions, estimating
 * recurring costs, and serving the protection/vault dashboards.
 *
 * Key features:
 * - Validates creation requests (future fire instant, exactly one recipient
 *   mode, supported retry limits, coherent recurrence rules).
 * - Resolves saved recipient lists through the recipient-list service.
 * - Performs an advisory grant check at creation time; the binding check
 *   happens in the lifecycle before every submission.
 *
 * @dependencies
 * - context, errors, fmt, log/slog, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
	"github.com/Flow-Sure/flowsure-backend/internal/store"
)

// Retry limits the API accepts, mirroring the options offered in the app.
var allowedRetryLimits = map[int]bool{1: true, 2: true, 3: true, 5: true}

// RecipientListResolver fetches the members of a saved recipient list.
type RecipientListResolver interface {
	GetListRecipients(ctx context.Context, listID, ownerAddress string) ([]domain.Recipient, error)
}

// VaultBalanceProvider reads the live balance of the shared compensation vault.
type VaultBalanceProvider interface {
	VaultBalance(ctx context.Context) (int64, error)
}

// Service provides the core business logic for scheduled transfers and
// insured actions.
type Service struct {
	repo                store.Repository
	authorizer          *Authorizer
	recipientLists      RecipientListResolver
	vaultBalance        VaultBalanceProvider
	logger              *slog.Logger
	estimateHorizonDays int
	now                 func() time.Time
}

// NewService creates a new service instance.
func NewService(repo store.Repository, authorizer *Authorizer, recipientLists RecipientListResolver, vaultBalance VaultBalanceProvider, logger *slog.Logger, estimateHorizonDays int) *Service {
	if estimateHorizonDays <= 0 {
		estimateHorizonDays = DefaultEstimateHorizonDays
	}
	return &Service{
		repo:                repo,
		authorizer:          authorizer,
		recipientLists:      recipientLists,
		vaultBalance:        vaultBalance,
		logger:              logger,
		estimateHorizonDays: estimateHorizonDays,
		now:                 time.Now,
	}
}

// CreateScheduledTransfer validates and persists a new scheduled transfer.
// The first fire instant is the scheduled date itself; for recurring
// transfers the recurrence anchors there as well.
func (s *Service) CreateScheduledTransfer(ctx context.Context, ownerAddress string, req domain.CreateScheduledTransferRequest) (*domain.ScheduledTransfer, error) {
	if req.Title == "" {
		return nil, validationErrorf("title", "title is required")
	}
	if req.Amount <= 0 {
		return nil, validationErrorf("amount", "amount must be positive")
	}
	if !allowedRetryLimits[req.RetryLimit] {
		return nil, validationErrorf("retry_limit", "retry limit must be one of 1, 2, 3, or 5")
	}
	now := s.now()
	if !req.ScheduledDate.After(now) {
		return nil, validationErrorf("scheduled_date", "scheduled date must be in the future")
	}

	recipients, err := s.resolveRecipients(ctx, ownerAddress, req)
	if err != nil {
		return nil, err
	}

	var recurring *domain.RecurringRule
	if req.IsRecurring {
		if req.RecurringFrequency == nil || !req.RecurringFrequency.Valid() {
			return nil, validationErrorf("recurring_frequency", "recurring frequency must be daily, weekly, or monthly")
		}
		if req.RecurringEndDate != nil && !req.RecurringEndDate.After(req.ScheduledDate) {
			return nil, validationErrorf("recurring_end_date", "recurring end date must be after the scheduled date")
		}
		recurring = &domain.RecurringRule{
			Frequency: *req.RecurringFrequency,
			StartAt:   req.ScheduledDate,
			EndAt:     req.RecurringEndDate,
		}
	} else if req.RecurringFrequency != nil || req.RecurringEndDate != nil {
		return nil, validationErrorf("is_recurring", "recurrence fields require is_recurring to be set")
	}

	firstFire := req.ScheduledDate
	transfer := &domain.ScheduledTransfer{
		ID:                 uuid.New(),
		OwnerAddress:       ownerAddress,
		Title:              req.Title,
		Description:        req.Description,
		Recipients:         recipients,
		Amount:             req.Amount,
		AmountPerRecipient: req.AmountPerRecipient,
		RetryLimit:         req.RetryLimit,
		ScheduledAt:        req.ScheduledDate,
		Recurring:          recurring,
		Status:             domain.TransferStatusActive,
		NextFireAt:         &firstFire,
	}

	// Advisory only: the grant is re-checked before every submission, so a
	// missing or narrow grant at creation time is a warning, not an error.
	if grant, grantErr := s.authorizer.ActiveGrant(ctx, ownerAddress); grantErr != nil {
		s.logger.Warn("scheduled transfer created without a usable grant",
			"owner_address", ownerAddress, "transfer_id", transfer.ID)
	} else if !grant.Covers(transfer.MaxActionAmount()) {
		s.logger.Warn("scheduled transfer exceeds grant per-transfer bound",
			"owner_address", ownerAddress, "transfer_id", transfer.ID,
			"max_action_amount", transfer.MaxActionAmount(), "grant_bound", grant.MaxAmountPerTransfer)
	}

	if err := s.repo.CreateScheduledTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create scheduled transfer: %w", err)
	}

	s.logger.Info("scheduled transfer created",
		"transfer_id", transfer.ID, "owner_address", ownerAddress,
		"recipients", len(recipients), "recurring", recurring != nil)
	return transfer, nil
}

// resolveRecipients enforces the exactly-one-recipient-mode rule and expands
// a saved list reference into concrete recipients.
func (s *Service) resolveRecipients(ctx context.Context, ownerAddress string, req domain.CreateScheduledTransferRequest) ([]domain.Recipient, error) {
	modes := 0
	if req.Recipient != nil && *req.Recipient != "" {
		modes++
	}
	if len(req.Recipients) > 0 {
		modes++
	}
	if req.RecipientListID != nil && *req.RecipientListID != "" {
		modes++
	}
	if modes != 1 {
		return nil, validationErrorf("recipients", "exactly one of recipient, recipients, or recipient_list_id is required")
	}

	switch {
	case req.Recipient != nil && *req.Recipient != "":
		return []domain.Recipient{{Address: *req.Recipient}}, nil
	case len(req.Recipients) > 0:
		for i, r := range req.Recipients {
			if r.Address == "" {
				return nil, validationErrorf("recipients", "recipient %d has no address", i)
			}
		}
		return req.Recipients, nil
	default:
		if s.recipientLists == nil {
			return nil, fmt.Errorf("recipient list %s cannot be resolved: recipient-list service is not configured", *req.RecipientListID)
		}
		recipients, err := s.recipientLists.GetListRecipients(ctx, *req.RecipientListID, ownerAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve recipient list %s: %w", *req.RecipientListID, err)
		}
		if len(recipients) == 0 {
			return nil, validationErrorf("recipient_list_id", "recipient list is empty")
		}
		return recipients, nil
	}
}

// CancelScheduledTransfer cancels a transfer owned by the caller. Already
// dispatched actions keep their own retry tracks; only future firings stop.
func (s *Service) CancelScheduledTransfer(ctx context.Context, ownerAddress string, id uuid.UUID) error {
	cancelled, err := s.repo.CancelScheduledTransfer(ctx, id, ownerAddress)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled transfer: %w", err)
	}
	if !cancelled {
		return store.ErrTransferNotFound
	}
	s.logger.Info("scheduled transfer cancelled", "transfer_id", id, "owner_address", ownerAddress)
	return nil
}

// ListScheduledTransfers returns the caller's transfers, newest first.
func (s *Service) ListScheduledTransfers(ctx context.Context, ownerAddress string) ([]domain.ScheduledTransfer, error) {
	return s.repo.ListScheduledTransfersByOwner(ctx, ownerAddress)
}

// GetScheduledTransfer returns one transfer, enforcing ownership.
func (s *Service) GetScheduledTransfer(ctx context.Context, ownerAddress string, id uuid.UUID) (*domain.ScheduledTransfer, error) {
	transfer, err := s.repo.FindScheduledTransferByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if transfer.OwnerAddress != ownerAddress {
		return nil, store.ErrTransferNotFound
	}
	return transfer, nil
}

// EstimateRecurringCost prices a recurring rule without persisting anything.
func (s *Service) EstimateRecurringCost(ctx context.Context, query domain.RecurringCostQuery) (*domain.CostEstimate, error) {
	if query.Amount <= 0 {
		return nil, validationErrorf("amount", "amount must be positive")
	}
	if query.RecipientCount <= 0 {
		return nil, validationErrorf("recipient_count", "recipient count must be positive")
	}
	if !query.Frequency.Valid() {
		return nil, validationErrorf("frequency", "frequency must be daily, weekly, or monthly")
	}
	if query.EndDate != nil && query.EndDate.Before(query.StartDate) {
		return nil, validationErrorf("end_date", "end date must not precede start date")
	}

	rule := domain.RecurringRule{
		Frequency: query.Frequency,
		StartAt:   query.StartDate,
		EndAt:     query.EndDate,
	}
	estimate := Estimate(query.Amount, query.AmountPerRecipient, query.RecipientCount, rule, s.estimateHorizonDays)
	return &estimate, nil
}

// InsureAction wraps a one-off transaction with retry/compensation
// protection. The action is enqueued due immediately; the attempt loop picks
// it up on its next tick.
func (s *Service) InsureAction(ctx context.Context, userAddress string, req domain.InsureActionRequest) (*domain.InsuredAction, error) {
	switch req.ActionType {
	case domain.ActionTypeSwap, domain.ActionTypeMint, domain.ActionTypeTransfer:
	default:
		return nil, validationErrorf("action_type", "action type must be swap, mint, or transfer")
	}
	if req.Amount <= 0 {
		return nil, validationErrorf("amount", "amount must be positive")
	}
	if !allowedRetryLimits[req.MaxRetries] {
		return nil, validationErrorf("max_retries", "max retries must be one of 1, 2, 3, or 5")
	}
	recipient := ""
	if req.Recipient != nil {
		recipient = *req.Recipient
	}
	if req.ActionType == domain.ActionTypeTransfer && recipient == "" {
		return nil, validationErrorf("recipient", "recipient is required for transfer actions")
	}

	now := s.now()
	action := &domain.InsuredAction{
		ID:               uuid.New(),
		UserAddress:      userAddress,
		ActionType:       req.ActionType,
		RecipientAddress: recipient,
		Amount:           req.Amount,
		MaxRetries:       req.MaxRetries,
		Status:           domain.ActionStatusPending,
		NextAttemptAt:    &now,
	}
	if err := s.repo.CreateInsuredActions(ctx, []domain.InsuredAction{*action}); err != nil {
		return nil, fmt.Errorf("failed to create insured action: %w", err)
	}

	s.logger.Info("insured action created",
		"action_id", action.ID, "user_address", userAddress, "action_type", req.ActionType)
	return action, nil
}

// ListActions returns the dashboard views of the caller's insured actions.
func (s *Service) ListActions(ctx context.Context, userAddress string) ([]domain.ActionView, error) {
	actions, err := s.repo.ListInsuredActionsByUser(ctx, userAddress)
	if err != nil {
		return nil, err
	}
	views := make([]domain.ActionView, 0, len(actions))
	for i := range actions {
		views = append(views, actions[i].View())
	}
	return views, nil
}

// GetAction returns one action view, enforcing ownership.
func (s *Service) GetAction(ctx context.Context, userAddress string, id uuid.UUID) (*domain.ActionView, error) {
	action, err := s.repo.FindInsuredActionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if action.UserAddress != userAddress {
		return nil, store.ErrActionNotFound
	}
	view := action.View()
	return &view, nil
}

// ProtectionMetrics summarizes the caller's protected activity.
func (s *Service) ProtectionMetrics(ctx context.Context, userAddress string) (*domain.ProtectionMetrics, error) {
	return s.repo.GetProtectionMetrics(ctx, userAddress)
}

// VaultMetrics combines the on-chain vault balance with payout aggregates.
// A gateway outage degrades to a zero balance instead of failing the
// dashboard.
func (s *Service) VaultMetrics(ctx context.Context) (*domain.VaultMetrics, error) {
	totalPaid, pendingCredits, err := s.repo.GetVaultPayoutTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load vault payout totals: %w", err)
	}

	var balance int64
	if s.vaultBalance != nil {
		balance, err = s.vaultBalance.VaultBalance(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			s.logger.Warn("vault balance unavailable", "error", err)
			balance = 0
		}
	}

	return &domain.VaultMetrics{
		Balance:        balance,
		TotalPaidOut:   totalPaid,
		PendingCredits: pendingCredits,
	}, nil
}
