package models

import "time"

// Wallet holds a rider's prepaid balance. Amounts are integer centimes (HTG).
type Wallet struct {
	UserID    int       `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Currency  string    `json:"currency" db:"currency"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Wallet transaction directions
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

// WalletTransaction is an immutable audit record of one balance mutation.
// Rows are appended once and never updated or deleted.
type WalletTransaction struct {
	ID               int       `json:"id" db:"id"`
	TransactionID    string    `json:"transaction_id" db:"transaction_id"`
	UserID           int       `json:"user_id" db:"user_id"`
	Direction        string    `json:"direction" db:"direction"` // credit or debit
	Amount           int64     `json:"amount" db:"amount"`       // in centimes
	ResultingBalance int64     `json:"resulting_balance" db:"resulting_balance"`
	Description      string    `json:"description" db:"description"`
	RelatedID        string    `json:"related_id,omitempty" db:"related_id"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}
