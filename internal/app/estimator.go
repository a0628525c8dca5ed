/**
 * @description
 * Pure cost estimation for recurring transfers. Consumed by the creation flow
 * and exposed read-only to callers before commitment.
 */

package app

import (
	"github.com/Flow-Sure/flowsure-backend/internal/domain"
)

// InsuranceFeePercent is the flat protection fee quoted alongside estimates.
// It is informational at the API boundary; the committed cost model tracks the
// gross transfer amount only.
const InsuranceFeePercent = 2

// DefaultEstimateHorizonDays caps occurrence counting for unbounded rules.
const DefaultEstimateHorizonDays = 365

// CostPerTransfer computes the gross cost of one occurrence.
func CostPerTransfer(amount int64, amountPerRecipient bool, recipientCount int) int64 {
	if amountPerRecipient {
		return amount * int64(recipientCount)
	}
	return amount
}

// InsuranceFee computes the informational protection fee on a gross amount.
func InsuranceFee(total int64) int64 {
	return total * InsuranceFeePercent / 100
}

// Estimate prices a recurring rule. Zero occurrences (start already past the
// end date) yields a zero total without error; the caller decides whether
// that is acceptable.
func Estimate(amount int64, amountPerRecipient bool, recipientCount int, rule domain.RecurringRule, horizonCapDays int) domain.CostEstimate {
	if horizonCapDays <= 0 {
		horizonCapDays = DefaultEstimateHorizonDays
	}

	costPerTransfer := CostPerTransfer(amount, amountPerRecipient, recipientCount)
	occurrences, estimatedOnly := CountOccurrences(rule, horizonCapDays)

	return domain.CostEstimate{
		Occurrences:     occurrences,
		CostPerTransfer: costPerTransfer,
		TotalCost:       int64(occurrences) * costPerTransfer,
		EstimatedOnly:   estimatedOnly,
	}
}
