package models

import "time"

// Payment statuses
const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusApproved = "APPROVED"
	PaymentStatusRejected = "REJECTED"
)

// Payment purposes
const (
	PaymentPurposeSubscription   = "subscription"
	PaymentPurposeWalletRecharge = "wallet_recharge"
)

// Payment represents a manually reviewed payment: the rider uploads a proof
// of bank transfer or MonCash receipt, an admin approves or rejects it.
type Payment struct {
	PaymentID        string     `json:"payment_id" db:"payment_id"`
	UserID           int        `json:"user_id" db:"user_id"`
	Amount           int64      `json:"amount" db:"amount"` // in centimes
	Currency         string     `json:"currency" db:"currency"`
	Method           string     `json:"method" db:"method"` // BANK_TRANSFER, MONCASH, CASH
	Purpose          string     `json:"purpose" db:"purpose"`
	SubscriptionPlan string     `json:"subscription_plan,omitempty" db:"subscription_plan"`
	Status           string     `json:"status" db:"status"`
	ProofKey         string     `json:"proof_key,omitempty" db:"proof_key"`
	Notes            string     `json:"notes,omitempty" db:"notes"`
	SubmittedAt      time.Time  `json:"submitted_at" db:"submitted_at"`
	ReviewedAt       *time.Time `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewedBy       *int       `json:"reviewed_by,omitempty" db:"reviewed_by"`
	RejectReason     string     `json:"reject_reason,omitempty" db:"reject_reason"`
}

// PaymentMethod describes an accepted payment channel shown to riders.
type PaymentMethod struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	LogoURL string `json:"logo_url"`
}
