package models

import "time"

// Notification is a push/email message sent to a rider, kept for history.
type Notification struct {
	ID       int       `json:"id" db:"id"`
	UserID   int       `json:"user_id" db:"user_id"`
	Title    string    `json:"title" db:"title"`
	Body     string    `json:"body" db:"body"`
	Channel  string    `json:"channel" db:"channel"` // push or email
	Status   string    `json:"status" db:"status"`   // sent or failed
	SentAt   time.Time `json:"sent_at" db:"sent_at"`
	Metadata Metadata  `json:"metadata,omitempty" db:"metadata"`
}
