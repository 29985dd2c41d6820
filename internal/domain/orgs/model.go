package orgs

import (
	"math"
	"time"
)

type Kind string

const (
	KindPersonal Kind = "personal"
	KindBusiness Kind = "business"
	KindSchool   Kind = "school"
	KindFamily   Kind = "family"
)

type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleMember  Role = "member"
)

// Organization owns a pooled credit balance drawn down by members. The
// balance itself is the org's ledger balance (account_balances row keyed by
// the org id); CreditBalance here is a read-time join of it. Allocation must
// never exceed balance - credit_allocated.
type Organization struct {
	ID              string
	Name            string
	Kind            Kind
	CreditBalance   float64
	CreditAllocated float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (o Organization) Unallocated() float64 {
	return o.CreditBalance - o.CreditAllocated
}

type Member struct {
	OrgID           string
	UserID          string
	Role            Role
	CreditAllocated float64
	CreditUsed      float64
	CreatedAt       time.Time
}

// CreditRemaining is the member's unspent share, floored at zero for display.
func (m Member) CreditRemaining() float64 {
	return math.Max(0, m.CreditAllocated-m.CreditUsed)
}

type Invite struct {
	Token     string
	OrgID     string
	Role      Role
	ExpiresAt time.Time
	UsedAt    *time.Time
}
