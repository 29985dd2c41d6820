package classes

import (
	"math"
	"time"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusClosed   Status = "closed"
	StatusArchived Status = "archived"
)

// Session is a bounded-time shared credit pool for a teaching session.
// It is joinable only while status = active, closed_at is null and now lies
// in [starts_at, ends_at).
type Session struct {
	ID        string
	OrgID     string
	Name      string
	Status    Status
	ClosedAt  *time.Time
	StartsAt  time.Time
	EndsAt    time.Time
	JoinToken string
	JoinCode  string
	CreatedAt time.Time
}

func (s Session) Joinable(now time.Time) bool {
	return s.Status == StatusActive && s.ClosedAt == nil &&
		!now.Before(s.StartsAt) && now.Before(s.EndsAt)
}

// Draw is a student's share of the class pool.
type Draw struct {
	ClassID         string
	UserID          string
	CreditAllocated float64
	CreditUsed      float64
}

// refundTotal is the unused remainder returned to the org pool on close:
// sum of max(0, allocated - used) over all draws.
func refundTotal(draws []Draw) float64 {
	var total float64
	for _, d := range draws {
		total += math.Max(0, d.CreditAllocated-d.CreditUsed)
	}
	return total
}

// RefundResult reports what a Close call did. A repeated close of an already
// closed class is a no-op with AlreadyClosed set and a zero amount.
type RefundResult struct {
	ClassID       string
	Amount        float64
	Members       int
	AlreadyClosed bool
}
