/**
 * @description
 * Insured action models. An insured action is one concrete execution unit,
 * either a one-off insured transaction or a single fired occurrence of a
 * scheduled transfer for a single recipient. It is tracked through retry and
 * compensation to exactly one terminal outcome.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Insured action statuses. Success, compensated, and failed_permanent are
// terminal; a terminal action is never mutated again.
const (
	ActionStatusPending         = "pending"
	ActionStatusRetrying        = "retrying"
	ActionStatusSuccess         = "success"
	ActionStatusCompensated     = "compensated"
	ActionStatusFailedPermanent = "failed_permanent"
)

// Insured action types. Scheduled occurrences carry ActionTypeScheduled;
// one-off insured transactions carry the action the user protected.
const (
	ActionTypeScheduled = "scheduled_transfer"
	ActionTypeSwap      = "swap"
	ActionTypeMint      = "mint"
	ActionTypeTransfer  = "transfer"
)

// Failure reasons recorded on terminal actions.
const (
	FailureReasonAuthorizationDenied = "authorization_denied"
	FailureReasonPermanentRejection  = "permanent_rejection"
	FailureReasonRetriesExhausted    = "retries_exhausted"
)

// InsuredAction maps to the `insured_actions` table.
type InsuredAction struct {
	ID                  uuid.UUID  `json:"id"`
	ScheduledTransferID *uuid.UUID `json:"scheduled_transfer_id,omitempty"`
	UserAddress         string     `json:"user_address"`
	ActionType          string     `json:"action_type"`
	RecipientAddress    string     `json:"recipient_address"`
	Amount              int64      `json:"amount"` // in 1e-8 FLOW
	Retries             int        `json:"retries"`
	MaxRetries          int        `json:"max_retries"`
	Status              string     `json:"status"`
	FailureReason       *string    `json:"failure_reason,omitempty"`
	FlowTxID            *string    `json:"flow_tx_id,omitempty"`
	NextAttemptAt       *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Terminal reports whether the action has reached a terminal status.
func (a *InsuredAction) Terminal() bool {
	switch a.Status {
	case ActionStatusSuccess, ActionStatusCompensated, ActionStatusFailedPermanent:
		return true
	}
	return false
}

// InsureActionRequest is the DTO for wrapping a one-off transaction with
// retry/compensation protection.
type InsureActionRequest struct {
	ActionType string  `json:"action_type"` // swap | mint | transfer
	Amount     int64   `json:"amount"`      // in 1e-8 FLOW
	Recipient  *string `json:"recipient,omitempty"`
	MaxRetries int     `json:"max_retries"`
}

// ActionView is the read model surfaced to dashboards for a single action.
type ActionView struct {
	ActionID      uuid.UUID  `json:"action_id"`
	ActionType    string     `json:"action_type"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	Retries       int        `json:"retries"`
	MaxRetries    int        `json:"max_retries"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// View projects the action onto its dashboard read model.
func (a *InsuredAction) View() ActionView {
	return ActionView{
		ActionID:      a.ID,
		ActionType:    a.ActionType,
		Amount:        a.Amount,
		Status:        a.Status,
		Retries:       a.Retries,
		MaxRetries:    a.MaxRetries,
		FailureReason: a.FailureReason,
		NextRetryAt:   a.NextAttemptAt,
		CreatedAt:     a.CreatedAt,
	}
}

// CompensationCredit records a vault payout owed (or paid) to a user after an
// action exhausted its retries. UNIQUE(action_id) makes the credit
// at-most-once per action. Maps to the `compensation_credits` table.
type CompensationCredit struct {
	ActionID    uuid.UUID  `json:"action_id"`
	UserAddress string     `json:"user_address"`
	Amount      int64      `json:"amount"` // in 1e-8 FLOW
	Status      string     `json:"status"` // pending | paid
	VaultTxID   *string    `json:"vault_tx_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

// Compensation credit statuses.
const (
	CompensationStatusPending = "pending"
	CompensationStatusPaid    = "paid"
)

// ProtectionMetrics summarizes a user's protected activity for the dashboard.
type ProtectionMetrics struct {
	ActiveProtections     int   `json:"active_protections"`
	RetryQueueDepth       int   `json:"retry_queue_depth"`
	SucceededActions      int   `json:"succeeded_actions"`
	CompensatedActions    int   `json:"compensated_actions"`
	TotalCompensationPaid int64 `json:"total_compensation_paid"` // in 1e-8 FLOW
}

// VaultMetrics summarizes the shared compensation vault.
type VaultMetrics struct {
	Balance        int64 `json:"balance"`          // in 1e-8 FLOW
	TotalPaidOut   int64 `json:"total_paid_out"`   // in 1e-8 FLOW
	PendingCredits int   `json:"pending_credits"`
}
