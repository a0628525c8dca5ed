/**
 * @description
 * This file defines the core domain models for scheduled transfers: the
 * recurring rule, recipients, the persisted transfer entity, and the DTOs
 * consumed by the API layer.
 *
 * @notes
 * - Amounts are stored as `int64` in 1e-8 FLOW units (the UFix64 resolution
 *   used on chain), which avoids floating-point inaccuracies with token math.
 * - A transfer with a RecurringRule produces many insured actions over time,
 *   one per fired occurrence per recipient.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Frequency is the calendar step of a recurring rule.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether the frequency is one of the supported calendar steps.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// RecurringRule expands into a bounded (EndAt set) or unbounded sequence of
// occurrence instants at fixed calendar offsets from StartAt.
type RecurringRule struct {
	Frequency Frequency  `json:"frequency"`
	StartAt   time.Time  `json:"start_at"`
	EndAt     *time.Time `json:"end_at,omitempty"`
}

// Recipient is a single payout destination within a transfer.
type Recipient struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Scheduled transfer statuses.
const (
	TransferStatusActive    = "active"
	TransferStatusCompleted = "completed"
	TransferStatusCancelled = "cancelled"
)

// ScheduledTransfer is the persisted definition of a one-off or recurring
// transfer. Maps to the `scheduled_transfers` table; recipients live in
// `scheduled_transfer_recipients`.
type ScheduledTransfer struct {
	ID                 uuid.UUID      `json:"id"`
	OwnerAddress       string         `json:"owner_address"`
	Title              string         `json:"title"`
	Description        *string        `json:"description,omitempty"`
	Recipients         []Recipient    `json:"recipients"`
	Amount             int64          `json:"amount"` // in 1e-8 FLOW
	AmountPerRecipient bool           `json:"amount_per_recipient"`
	RetryLimit         int            `json:"retry_limit"`
	ScheduledAt        time.Time      `json:"scheduled_at"`
	Recurring          *RecurringRule `json:"recurring,omitempty"`
	Status             string         `json:"status"`
	NextFireAt         *time.Time     `json:"next_fire_at,omitempty"`
	OccurrenceCount    int            `json:"occurrence_count"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// TotalAmount returns the gross cost of one occurrence: the declared amount
// multiplied by recipient count when AmountPerRecipient is set, otherwise the
// declared amount itself.
func (t *ScheduledTransfer) TotalAmount() int64 {
	if t.AmountPerRecipient {
		return t.Amount * int64(len(t.Recipients))
	}
	return t.Amount
}

// MaxActionAmount returns the largest per-recipient amount a single occurrence
// will produce. This is the figure validated against the grant's per-transfer
// bound.
func (t *ScheduledTransfer) MaxActionAmount() int64 {
	n := int64(len(t.Recipients))
	if n == 0 {
		return 0
	}
	if t.AmountPerRecipient {
		return t.Amount
	}
	// Split amounts round up on the first recipient.
	return t.Amount/n + t.Amount%n
}

// RecipientAmounts returns the amount owed to each recipient, index-aligned
// with Recipients. Split amounts put the division remainder on the first
// recipient so the occurrence total is exact.
func (t *ScheduledTransfer) RecipientAmounts() []int64 {
	n := int64(len(t.Recipients))
	if n == 0 {
		return nil
	}
	amounts := make([]int64, n)
	if t.AmountPerRecipient {
		for i := range amounts {
			amounts[i] = t.Amount
		}
		return amounts
	}
	share := t.Amount / n
	for i := range amounts {
		amounts[i] = share
	}
	amounts[0] += t.Amount % n
	return amounts
}

// CreateScheduledTransferRequest is the DTO for incoming creation requests.
// Exactly one of Recipient, Recipients, or RecipientListID must be populated.
type CreateScheduledTransferRequest struct {
	Title              string      `json:"title"`
	Description        *string     `json:"description,omitempty"`
	Amount             int64       `json:"amount"` // in 1e-8 FLOW
	AmountPerRecipient bool        `json:"amount_per_recipient"`
	ScheduledDate      time.Time   `json:"scheduled_date"`
	RetryLimit         int         `json:"retry_limit"`
	IsRecurring        bool        `json:"is_recurring"`
	RecurringFrequency *Frequency  `json:"recurring_frequency,omitempty"`
	RecurringEndDate   *time.Time  `json:"recurring_end_date,omitempty"`
	Recipient          *string     `json:"recipient,omitempty"`
	Recipients         []Recipient `json:"recipients,omitempty"`
	RecipientListID    *string     `json:"recipient_list_id,omitempty"`
}

// CostEstimate is the derived, non-persistent pricing of a recurring rule.
// EstimatedOnly is true when the rule is unbounded and a capped horizon was
// used to produce a finite occurrence count.
type CostEstimate struct {
	Occurrences     int   `json:"occurrences"`
	CostPerTransfer int64 `json:"cost_per_transfer"` // in 1e-8 FLOW
	TotalCost       int64 `json:"total_cost"`        // in 1e-8 FLOW
	EstimatedOnly   bool  `json:"estimated_only"`
}

// RecurringCostQuery is the DTO for the read-only cost estimation endpoint.
type RecurringCostQuery struct {
	Amount             int64      `json:"amount"` // in 1e-8 FLOW
	AmountPerRecipient bool       `json:"amount_per_recipient"`
	RecipientCount     int        `json:"recipient_count"`
	StartDate          time.Time  `json:"start_date"`
	Frequency          Frequency  `json:"frequency"`
	EndDate            *time.Time `json:"end_date,omitempty"`
}
