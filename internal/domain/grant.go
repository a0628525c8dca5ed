/**
 * @description
 * Authorization grant model for the flowsure-backend. A grant is the bounded,
 * time-limited spending capability a user delegates to the service account so
 * that scheduled and insured transfers can be executed on their behalf.
 *
 * @notes
 * - Exactly one active grant exists per user; issuing a new grant supersedes
 *   (revokes) the previous one rather than stacking with it.
 * - The on-chain capability reference is opaque to the core; the backend only
 *   needs the numeric bound and a validity predicate.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuthorizationGrant represents a user's delegated spending capability.
// This struct maps directly to the `authorization_grants` table.
type AuthorizationGrant struct {
	ID                   uuid.UUID  `json:"id"`
	UserAddress          string     `json:"user_address"`
	MaxAmountPerTransfer int64      `json:"max_amount_per_transfer"` // in 1e-8 FLOW
	CapabilityRef        *string    `json:"capability_ref,omitempty"`
	IssuedAt             time.Time  `json:"issued_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// UsableAt reports whether the grant can authorize a submission at the given
// instant: not revoked and not expired.
func (g *AuthorizationGrant) UsableAt(now time.Time) bool {
	if g == nil {
		return false
	}
	return g.RevokedAt == nil && now.Before(g.ExpiresAt)
}

// Covers reports whether the grant's per-transfer bound covers the amount.
func (g *AuthorizationGrant) Covers(amount int64) bool {
	return g != nil && amount <= g.MaxAmountPerTransfer
}

// GrantRequest is the DTO for issuing a new authorization grant.
type GrantRequest struct {
	MaxAmountPerTransfer int64   `json:"max_amount_per_transfer"` // in 1e-8 FLOW
	ExpiryDays           int     `json:"expiry_days"`
	CapabilityRef        *string `json:"capability_ref,omitempty"`
}
