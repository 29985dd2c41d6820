package family

import (
	"time"

	"github.com/iaiaz/mifa-credits/internal/apperr"
)

// Mode is a minor account's guardrail level. It is derived once from the age
// at invite acceptance and never recomputed implicitly; changing it later
// requires the explicit SetMode admin action.
type Mode string

const (
	ModeGuided  Mode = "guided"  // 12-14
	ModeTrusted Mode = "trusted" // 15-17
	ModeAdult   Mode = "adult"   // 18+
)

// ModeForAge maps an age at enrollment onto a supervision mode. Ages below 12
// are not allowed on the platform; ages above 120 are treated as input errors.
func ModeForAge(age int) (Mode, error) {
	switch {
	case age < 12:
		return "", apperr.Validation("age", "must be at least 12")
	case age > 120:
		return "", apperr.Validation("age", "must be a plausible age")
	case age <= 14:
		return ModeGuided, nil
	case age <= 17:
		return ModeTrusted, nil
	default:
		return ModeAdult, nil
	}
}

// Record holds a supervised account's usage guardrails. Quiet hours are
// minutes since local midnight; start == end means no quiet hours. A zero
// DailyLimit means no daily cap.
type Record struct {
	UserID         string
	OrgID          string
	Mode           Mode
	QuietStartMin  int
	QuietEndMin    int
	DailyLimit     float64 // EUR per day
	TrialExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
