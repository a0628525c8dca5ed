/**
 * @description
 * Recurrence expansion for scheduled transfers. A RecurringRule deterministically
 * produces occurrence instants at fixed calendar offsets from its start:
 * daily = +1 day, weekly = +7 days, monthly = +1 calendar month.
 *
 * @notes
 * - Monthly stepping is anchored to the start instant's day-of-month and
 *   clamped per step, never compounded: a rule starting Jan 31 fires
 *   Feb 28 (29 in a leap year) and then Mar 31, not Mar 3.
 * - Occurrence cadence is independent of execution outcome; the cursor
 *   advances exactly one step per fire regardless of how the fired action ends.
 */

package app

import (
	"time"

	"github.com/Flow-Sure/flowsure-backend/internal/domain"
)

// OccurrenceAt returns the n-th occurrence of the rule (n = 0 is the start
// instant itself). Time-of-day and location are preserved.
func OccurrenceAt(rule domain.RecurringRule, n int) time.Time {
	switch rule.Frequency {
	case domain.FrequencyDaily:
		return rule.StartAt.AddDate(0, 0, n)
	case domain.FrequencyWeekly:
		return rule.StartAt.AddDate(0, 0, 7*n)
	case domain.FrequencyMonthly:
		return addMonthsClamped(rule.StartAt, n)
	default:
		return rule.StartAt
	}
}

// addMonthsClamped adds n calendar months to t, clamping the anchor
// day-of-month to the target month's length so no overflow into the next
// month occurs.
func addMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	targetYear := year
	targetMonth := int(month) + n
	for targetMonth > 12 {
		targetMonth -= 12
		targetYear++
	}
	for targetMonth < 1 {
		targetMonth += 12
		targetYear--
	}

	if last := daysInMonth(targetYear, time.Month(targetMonth)); day > last {
		day = last
	}

	hour, minute, second := t.Clock()
	return time.Date(targetYear, time.Month(targetMonth), day, hour, minute, second, t.Nanosecond(), t.Location())
}

func daysInMonth(year int, month time.Month) int {
	// Day 0 of the next month is the last day of this one.
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextOccurrence returns the earliest occurrence strictly after the given
// instant, or ok=false when the rule is exhausted (past its end date).
func NextOccurrence(rule domain.RecurringRule, after time.Time) (time.Time, bool) {
	for n := 0; ; n++ {
		occurrence := OccurrenceAt(rule, n)
		if rule.EndAt != nil && occurrence.After(*rule.EndAt) {
			return time.Time{}, false
		}
		if occurrence.After(after) {
			return occurrence, true
		}
	}
}

// CountOccurrences returns the number of occurrences the rule produces. For a
// bounded rule this is the count of instants in [StartAt, EndAt]; for an
// unbounded rule the count is capped to the horizon (horizonCapDays from
// StartAt) and estimatedOnly is true.
func CountOccurrences(rule domain.RecurringRule, horizonCapDays int) (occurrences int, estimatedOnly bool) {
	limit := rule.EndAt
	if limit == nil {
		horizon := rule.StartAt.AddDate(0, 0, horizonCapDays)
		limit = &horizon
		estimatedOnly = true
	}

	for n := 0; ; n++ {
		if OccurrenceAt(rule, n).After(*limit) {
			return n, estimatedOnly
		}
	}
}
