package models

import "time"

// Subscription statuses
const (
	SubscriptionStatusPending = "PENDING"
	SubscriptionStatusActive  = "ACTIVE"
	SubscriptionStatusExpired = "EXPIRED"
)

// Subscription is a rider's ride pass. Created PENDING alongside a payment,
// activated when the payment is approved, expired by the daily sweep.
type Subscription struct {
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	UserID         int        `json:"user_id" db:"user_id"`
	Plan           string     `json:"plan" db:"plan"` // DAILY, WEEKLY, MONTHLY
	Status         string     `json:"status" db:"status"`
	StartDate      time.Time  `json:"start_date" db:"start_date"`
	EndDate        time.Time  `json:"end_date" db:"end_date"`
	PaymentID      string     `json:"payment_id" db:"payment_id"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Invoice is a billing record created by the renewal reminder sweep.
// PDF rendering and delivery happen outside this service.
type Invoice struct {
	InvoiceID      string    `json:"invoice_id" db:"invoice_id"`
	UserID         int       `json:"user_id" db:"user_id"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Currency       string    `json:"currency" db:"currency"`
	Status         string    `json:"status" db:"status"` // pending, paid
	DueDate        time.Time `json:"due_date" db:"due_date"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
