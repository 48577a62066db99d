package models

import "time"

// NFC card statuses
const (
	CardStatusPendingActivation = "PENDING_ACTIVATION"
	CardStatusActive            = "ACTIVE"
	CardStatusBlocked           = "BLOCKED"
)

// Card represents a physical NFC transit card. The card UID is never stored
// in clear; only its SHA-256 hash.
type Card struct {
	CardID      string     `json:"card_id" db:"card_id"`
	UserID      int        `json:"user_id" db:"user_id"`
	UIDHash     string     `json:"-" db:"uid_hash"`
	Status      string     `json:"status" db:"status"`
	IssuedAt    time.Time  `json:"issued_at" db:"issued_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty" db:"activated_at"`
	BlockedAt   *time.Time `json:"blocked_at,omitempty" db:"blocked_at"`
	BlockReason string     `json:"block_reason,omitempty" db:"block_reason"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}
