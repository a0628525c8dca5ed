/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access operations the flowsure-backend needs. Defining an interface
 * decouples the business logic from PostgreSQL and lets tests substitute
 * hand-written stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entity ids.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Authorization grant methods
	CreateGrantSuperseding(ctx context.Context, grant *domain.AuthorizationGrant) error
	FindActiveGrantByUser(ctx context.Context, userAddress string) (*domain.AuthorizationGrant, error)
	RevokeGrant(ctx context.Context, userAddress string) error

	// Scheduled transfer methods
	CreateScheduledTransfer(ctx context.Context, transfer *domain.ScheduledTransfer) error
	FindScheduledTransferByID(ctx context.Context, id uuid.UUID) (*domain.ScheduledTransfer, error)
	ListScheduledTransfersByOwner(ctx context.Context, ownerAddress string) ([]domain.ScheduledTransfer, error)
	FindDueScheduledTransfers(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledTransfer, error)
	AdvanceScheduleCursor(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, occurrenceCount int, status string) error
	CancelScheduledTransfer(ctx context.Context, id uuid.UUID, ownerAddress string) (bool, error)

	// Insured action methods
	CreateInsuredActions(ctx context.Context, actions []domain.InsuredAction) error
	FindInsuredActionByID(ctx context.Context, id uuid.UUID) (*domain.InsuredAction, error)
	ListInsuredActionsByUser(ctx context.Context, userAddress string) ([]domain.InsuredAction, error)
	FindDueActions(ctx context.Context, now time.Time, limit int) ([]domain.InsuredAction, error)
	ClaimActionForAttempt(ctx context.Context, id uuid.UUID, staleBefore time.Time) (bool, error)
	ReleaseActionClaim(ctx context.Context, id uuid.UUID) error
	MarkActionSuccess(ctx context.Context, id uuid.UUID, flowTxID string) error
	MarkActionRetrying(ctx context.Context, id uuid.UUID, retries int, nextAttemptAt time.Time) error
	MarkActionFailedPermanent(ctx context.Context, id uuid.UUID, reason string) error
	MarkActionCompensated(ctx context.Context, id uuid.UUID, retries int, reason string) error

	// Compensation credit methods
	InsertCompensationCredit(ctx context.Context, actionID uuid.UUID, userAddress string, amount int64) (bool, error)
	MarkCompensationCreditPaid(ctx context.Context, actionID uuid.UUID, vaultTxID string) error
	FindPendingCompensationCredits(ctx context.Context, limit int) ([]domain.CompensationCredit, error)

	// Dashboard read model methods
	GetProtectionMetrics(ctx context.Context, userAddress string) (*domain.ProtectionMetrics, error)
	GetVaultPayoutTotals(ctx context.Context) (totalPaid int64, pendingCredits int, err error)
}
