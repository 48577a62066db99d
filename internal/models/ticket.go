package models

import "time"

// Ticket statuses
const (
	TicketStatusActive  = "ACTIVE"
	TicketStatusUsed    = "USED"
	TicketStatusExpired = "EXPIRED"
)

// Ticket represents a single-ride QR ticket. It is valid for 15 minutes
// after issuance and can be scanned exactly once.
type Ticket struct {
	TicketID       string     `json:"ticket_id" db:"ticket_id"`
	UserID         int        `json:"user_id" db:"user_id"`
	SubscriptionID string     `json:"subscription_id" db:"subscription_id"`
	RouteID        string     `json:"route_id,omitempty" db:"route_id"`
	Status         string     `json:"status" db:"status"`
	IssuedAt       time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt      time.Time  `json:"expires_at" db:"expires_at"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty" db:"validated_at"`
	ValidatedBy    *int       `json:"validated_by,omitempty" db:"validated_by"`
}
