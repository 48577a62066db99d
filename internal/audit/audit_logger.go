package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	EventType  string    `json:"event_type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Status     string    `json:"status"`
	Details    any       `json:"details,omitempty"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransition(kind, entityID, fromStatus, toStatus string) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "TRANSITION",
		EntityKind: kind,
		EntityID:   entityID,
		FromStatus: fromStatus,
		ToStatus:   toStatus,
		Status:     "SUCCESS",
	})
}

func (a *Logger) LogBalanceChange(kind, entityID, transactionID string, amount, resultingBalance int64) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "BALANCE",
		EntityKind: kind,
		EntityID:   entityID,
		Amount:     amount,
		Status:     "SUCCESS",
		Details: map[string]any{
			"transaction_id":    transactionID,
			"resulting_balance": resultingBalance,
		},
	})
}

func (a *Logger) LogError(kind, entityID string, err error) {
	a.log(Event{
		Timestamp:  time.Now(),
		EventType:  "ERROR",
		EntityKind: kind,
		EntityID:   entityID,
		Status:     "FAILED",
		Details:    map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[AUDIT] Failed to marshal event: %v", err)
		return
	}
	log.Printf("[AUDIT] %s", string(data))
}
