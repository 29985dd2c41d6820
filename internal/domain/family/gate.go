package family

import (
	"fmt"
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
)

// Evaluate is the precondition gate run before each chat turn of a supervised
// account. It is pure: all state comes in as arguments, now must already be in
// the account's local time zone.
//
// Exactly one reason is surfaced per rejection, in fixed precedence:
// quiet hours (time-absolute), then daily consumption, then entitlement.
func Evaluate(rec *Record, spentToday float64, hasSubscription bool, now time.Time) error {
	if rec == nil || rec.Mode == ModeAdult {
		return nil
	}

	if rec.QuietStartMin != rec.QuietEndMin {
		if inQuietHours(minutesOfDay(now), rec.QuietStartMin, rec.QuietEndMin) {
			resume := nextClock(now, rec.QuietEndMin)
			return &apperr.PreconditionError{
				Reason:   apperr.ReasonQuietHours,
				Detail:   fmt.Sprintf("chat is suspended until %s", clockLabel(rec.QuietEndMin)),
				ResumeAt: &resume,
			}
		}
	}

	if rec.DailyLimit > 0 && spentToday >= rec.DailyLimit {
		midnight := nextClock(now, 0)
		return &apperr.PreconditionError{
			Reason:   apperr.ReasonDailyLimit,
			Detail:   fmt.Sprintf("daily credit limit of %.2f EUR reached", rec.DailyLimit),
			ResumeAt: &midnight,
		}
	}

	if rec.TrialExpiresAt != nil && !now.Before(*rec.TrialExpiresAt) && !hasSubscription {
		return &apperr.PreconditionError{
			Reason: apperr.ReasonTrialExpired,
			Detail: "trial period has ended and no subscription is active",
		}
	}
	return nil
}

func minutesOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

// inQuietHours handles windows that cross midnight, e.g. [22:00, 07:00).
func inQuietHours(m, start, end int) bool {
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// nextClock returns the next occurrence of the given minutes-of-day at or
// after now.
func nextClock(now time.Time, min int) time.Time {
	t := time.Date(now.Year(), now.Month(), now.Day(), min/60, min%60, 0, 0, now.Location())
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

func clockLabel(min int) string { return fmt.Sprintf("%02d:%02d", min/60, min%60) }
