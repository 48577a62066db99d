package config

import (
	"os"
	"strconv"
	"time"
)

// Plan describes a subscription pass. Prices are in HTG centimes.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Days        int    `json:"duration"`
	Price       int64  `json:"price"`
	Description string `json:"description"`
}

// PlanCatalog returns the available subscription plans.
func PlanCatalog() []Plan {
	return []Plan{
		{
			ID:          "DAILY",
			Name:        "Pass Journalier",
			Days:        1,
			Price:       getEnvAsInt64("PLAN_DAILY_PRICE", 10_000),
			Description: "Valable 24h, voyages illimités",
		},
		{
			ID:          "WEEKLY",
			Name:        "Pass Hebdomadaire",
			Days:        7,
			Price:       getEnvAsInt64("PLAN_WEEKLY_PRICE", 60_000),
			Description: "Valable 7 jours, voyages illimités",
		},
		{
			ID:          "MONTHLY",
			Name:        "Pass Mensuel",
			Days:        30,
			Price:       getEnvAsInt64("PLAN_MONTHLY_PRICE", 200_000),
			Description: "Valable 30 jours, voyages illimités",
		},
	}
}

// PlanByID looks up a plan; ok is false for unknown plan IDs.
func PlanByID(id string) (Plan, bool) {
	for _, p := range PlanCatalog() {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

type TicketConfig struct {
	Validity    time.Duration
	QRCodeSize  int
	TokenLength int
}

func LoadTicketConfig() *TicketConfig {
	return &TicketConfig{
		Validity:    getEnvAsDuration("TICKET_VALIDITY", 15*time.Minute),
		QRCodeSize:  getEnvAsInt("TICKET_QR_SIZE", 256),
		TokenLength: getEnvAsInt("TICKET_TOKEN_LENGTH", 16),
	}
}

type PushConfig struct {
	Endpoint  string
	ServerKey string
	Timeout   time.Duration
}

func LoadPushConfig() *PushConfig {
	return &PushConfig{
		Endpoint:  getEnv("PUSH_ENDPOINT", "https://fcm.googleapis.com/fcm/send"),
		ServerKey: getEnv("PUSH_SERVER_KEY", ""),
		Timeout:   getEnvAsDuration("PUSH_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
