/**
 * @description
 * Event payloads published to RabbitMQ when an insured action reaches a
 * status worth broadcasting. The notification layer consumes these; this
 * service only publishes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionStatusEvent is published on action.status.* routing keys.
type ActionStatusEvent struct {
	ActionID    uuid.UUID `json:"action_id"`
	UserAddress string    `json:"user_address"`
	ActionType  string    `json:"action_type"`
	Amount      int64     `json:"amount"` // in 1e-8 FLOW
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Retries     int       `json:"retries"`
	Timestamp   time.Time `json:"timestamp"`
}

// CompensationPaidEvent is published on compensation.paid when a vault credit
// settles.
type CompensationPaidEvent struct {
	ActionID    uuid.UUID `json:"action_id"`
	UserAddress string    `json:"user_address"`
	Amount      int64     `json:"amount"` // in 1e-8 FLOW
	VaultTxID   string    `json:"vault_tx_id"`
	Timestamp   time.Time `json:"timestamp"`
}
