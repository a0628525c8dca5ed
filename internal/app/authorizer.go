/**
 * @description
 * The authorization ledger tracks, per user, the spending capability the user
 * has delegated to the service account, and validates every pending execution
 * against it.
 *
 * @notes
 * - Authorize is advisory-authoritative: the lifecycle re-checks it
 *   immediately before every submission, because a grant may expire or be
 *   revoked between scheduling and firing.
 * - On-chain validity (the published withdraw capability still checking out)
 *   is consulted through the Flow gateway when configured; a capability that
 *   no longer resolves denies authorization regardless of ledger state.
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

// CapabilityChecker is the on-chain validity predicate for a user's delegated
// withdraw capability.
type CapabilityChecker interface {
	CheckCapability(ctx context.Context, userAddress string) (bool, error)
}

// Authorizer implements the authorization ledger over the repository and the
// Flow gateway.
type Authorizer struct {
	repo       store.Repository
	capability CapabilityChecker
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuthorizer creates a new authorization ledger. capability may be nil when
// no gateway is configured; ledger state alone then decides.
func NewAuthorizer(repo store.Repository, capability CapabilityChecker, logger *slog.Logger) *Authorizer {
	return &Authorizer{
		repo:       repo,
		capability: capability,
		logger:     logger,
		now:        time.Now,
	}
}

// Grant issues a new authorization grant for the user, superseding any prior
// one. Fails with ErrInvalidGrantBound when the bound or expiry is
// non-positive.
func (a *Authorizer) Grant(ctx context.Context, userAddress string, req domain.GrantRequest) (*domain.AuthorizationGrant, error) {
	if req.MaxAmountPerTransfer <= 0 || req.ExpiryDays <= 0 {
		return nil, ErrInvalidGrantBound
	}

	now := a.now().UTC()
	grant := &domain.AuthorizationGrant{
		ID:                   uuid.New(),
		UserAddress:          userAddress,
		MaxAmountPerTransfer: req.MaxAmountPerTransfer,
		CapabilityRef:        req.CapabilityRef,
		IssuedAt:             now,
		ExpiresAt:            now.AddDate(0, 0, req.ExpiryDays),
	}

	if err := a.repo.CreateGrantSuperseding(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to persist grant: %w", err)
	}

	a.logger.Info("authorization grant issued",
		"user_address", userAddress,
		"max_amount", grant.MaxAmountPerTransfer,
		"expires_at", grant.ExpiresAt)
	return grant, nil
}

// Revoke marks the user's active grant revoked. Revoking an absent or
// already-revoked grant is a no-op success.
func (a *Authorizer) Revoke(ctx context.Context, userAddress string) error {
	if err := a.repo.RevokeGrant(ctx, userAddress); err != nil {
		return fmt.Errorf("failed to revoke grant: %w", err)
	}
	a.logger.Info("authorization grant revoked", "user_address", userAddress)
	return nil
}

// ActiveGrant returns the user's usable grant, or ErrAuthorizationDenied.
func (a *Authorizer) ActiveGrant(ctx context.Context, userAddress string) (*domain.AuthorizationGrant, error) {
	grant, err := a.repo.FindActiveGrantByUser(ctx, userAddress)
	if err != nil {
		if errors.Is(err, store.ErrGrantNotFound) {
			return nil, ErrAuthorizationDenied
		}
		return nil, err
	}
	if !grant.UsableAt(a.now()) {
		return nil, ErrAuthorizationDenied
	}
	return grant, nil
}

// Authorize reports whether an active, non-expired, non-revoked grant exists
// for the user and covers the amount.
func (a *Authorizer) Authorize(ctx context.Context, userAddress string, amount int64) (bool, error) {
	grant, err := a.ActiveGrant(ctx, userAddress)
	if err != nil {
		if errors.Is(err, ErrAuthorizationDenied) {
			return false, nil
		}
		return false, err
	}
	if !grant.Covers(amount) {
		return false, nil
	}

	if a.capability != nil {
		valid, err := a.capability.CheckCapability(ctx, userAddress)
		if err != nil {
			// A gateway hiccup must not silently authorize a spend.
			a.logger.Warn("capability check failed", "user_address", userAddress, "error", err)
			return false, err
		}
		if !valid {
			return false, nil
		}
	}

	return true, nil
}
