package ledger

import "time"

// Type classifies a credit transaction.
type Type string

const (
	TypePurchase    Type = "purchase"
	TypeAllocation  Type = "allocation"
	TypeUsage       Type = "usage"
	TypeRefund      Type = "refund"
	TypeAdjustment  Type = "adjustment"
	TypeAdminCredit Type = "admin_credit"
	TypeAdminDebit  Type = "admin_debit"
	TypeBonus       Type = "bonus"
)

// Balance is the spendable credit of a user or an organization.
// It is never persisted negative: debits clamp at zero.
type Balance struct {
	OwnerID   string
	Balance   float64
	UpdatedAt time.Time
}

// Transaction is an append-only audit record. Every balance mutation writes
// exactly one transaction in the same database transaction.
type Transaction struct {
	ID          string
	OwnerID     string
	Amount      float64 // signed, negative for debits
	Type        Type
	Description string
	Metadata    Metadata
	CreatedAt   time.Time
}

// Metadata is the audit payload stored alongside a transaction. Exactly one
// section is set, matching the transaction type.
type Metadata struct {
	Adjustment *AdjustmentMeta `json:"adjustment,omitempty"`
	Usage      *UsageMeta      `json:"usage,omitempty"`
	Allocation *AllocationMeta `json:"allocation,omitempty"`
	Purchase   *PurchaseMeta   `json:"purchase,omitempty"`
	Refund     *RefundMeta     `json:"refund,omitempty"`
}

type AdjustmentMeta struct {
	ActorID         string  `json:"actor_id"`
	Reason          string  `json:"reason"`
	PreviousBalance float64 `json:"previous_balance"`
	NewBalance      float64 `json:"new_balance"`
}

type UsageMeta struct {
	// UserID is the acting user. It differs from the transaction owner when
	// the cost is routed through an org or class pool; per-user accounting
	// (daily limits) reads it from here.
	UserID           string  `json:"user_id"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	ClassID          string  `json:"class_id,omitempty"`
	PreviousBalance  float64 `json:"previous_balance"`
	NewBalance       float64 `json:"new_balance"`
}

type AllocationMeta struct {
	OrgID    string `json:"org_id"`
	MemberID string `json:"member_id"`
	ActorID  string `json:"actor_id,omitempty"`
}

type PurchaseMeta struct {
	PaymentID string `json:"payment_id"`
	Method    string `json:"method"`
}

type RefundMeta struct {
	ClassID string `json:"class_id"`
	Members int    `json:"members"`
}

// ProviderSpend is a monthly usage aggregate per model.
type ProviderSpend struct {
	Model string
	Calls int64
	Spend float64 // EUR
}
