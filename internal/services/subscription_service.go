package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/limajs/transit-backend/internal/config"
	"github.com/limajs/transit-backend/internal/models"
)

// EmailSender delivers renewal reminder emails.
type EmailSender interface {
	Send(to, subject, body string) error
}

type SubscriptionService struct {
	db     *sql.DB
	ledger *LedgerService
	mailer EmailSender
}

func NewSubscriptionService(db *sql.DB, ledger *LedgerService, mailer EmailSender) *SubscriptionService {
	return &SubscriptionService{
		db:     db,
		ledger: ledger,
		mailer: mailer,
	}
}

// ListPlans returns the subscription plan catalog
// @Summary List subscription plans
// @Description List available subscription plans with prices in HTG centimes
// @Tags subscriptions
// @Produce json
// @Success 200 {array} config.Plan
// @Router /subscriptions/plans [get]
func (ss *SubscriptionService) ListPlans(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	json.NewEncoder(w).Encode(config.PlanCatalog())
}

// GetActiveSubscription returns the user's current active pass
// @Summary Get active subscription
// @Description Get the authenticated user's active subscription, if any
// @Tags subscriptions
// @Produce json
// @Success 200 {object} models.Subscription
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "No active subscription"
// @Router /subscriptions/active [get]
func (ss *SubscriptionService) GetActiveSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var sub models.Subscription
	err := ss.db.QueryRow(`
		SELECT subscription_id, user_id, plan, status, start_date, end_date, payment_id, activated_at, created_at
		FROM subscriptions
		WHERE user_id = $1 AND status = 'ACTIVE' AND end_date > NOW()
		ORDER BY end_date DESC
		LIMIT 1
	`, userID).Scan(&sub.SubscriptionID, &sub.UserID, &sub.Plan, &sub.Status,
		&sub.StartDate, &sub.EndDate, &sub.PaymentID, &sub.ActivatedAt, &sub.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "No active subscription", http.StatusNotFound)
		} else {
			log.Printf("[SUBSCRIPTION] Active lookup failed for user %d: %v", userID, err)
			http.Error(w, "Failed to fetch subscription", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sub)
}

// GetUserSubscriptions lists the user's subscription history
// @Summary List subscriptions
// @Description List the authenticated user's subscriptions, newest first
// @Tags subscriptions
// @Produce json
// @Success 200 {object} object{subscriptions=[]models.Subscription,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /subscriptions [get]
func (ss *SubscriptionService) GetUserSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ss.db.Query(`
		SELECT subscription_id, user_id, plan, status, start_date, end_date, payment_id, activated_at, created_at
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Printf("[SUBSCRIPTION] Failed to fetch subscriptions for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch subscriptions", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	subscriptions := []models.Subscription{}
	for rows.Next() {
		var sub models.Subscription
		if err := rows.Scan(&sub.SubscriptionID, &sub.UserID, &sub.Plan, &sub.Status,
			&sub.StartDate, &sub.EndDate, &sub.PaymentID, &sub.ActivatedAt, &sub.CreatedAt); err != nil {
			log.Printf("[SUBSCRIPTION] Failed to scan subscription row: %v", err)
			http.Error(w, "Failed to fetch subscriptions", http.StatusInternalServerError)
			return
		}
		subscriptions = append(subscriptions, sub)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"subscriptions": subscriptions,
		"count":         len(subscriptions),
	})
}

// ExpireStaleSubscriptions sweeps ACTIVE subscriptions past their end date.
// Run periodically.
func (ss *SubscriptionService) ExpireStaleSubscriptions(ctx context.Context) (int, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT subscription_id FROM subscriptions
		WHERE status = 'ACTIVE' AND end_date < NOW()
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}

	expired := 0
	for _, id := range ids {
		_, err := ss.ledger.ApplyTransition(ctx, TransitionRequest{
			Kind:           KindSubscription,
			EntityID:       id,
			ExpectedStatus: models.SubscriptionStatusActive,
			NewStatus:      models.SubscriptionStatusExpired,
		})
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				continue
			}
			log.Printf("[SUBSCRIPTION] Failed to expire %s: %v", id, err)
			continue
		}
		expired++
	}

	if expired > 0 {
		log.Printf("[SUBSCRIPTION] Expired %d stale subscriptions", expired)
	}
	return expired, nil
}

// SendRenewalReminders emails riders whose pass expires within the window
// and creates an invoice for the renewal. Each subscription is reminded once.
func (ss *SubscriptionService) SendRenewalReminders(ctx context.Context, window time.Duration) (int, error) {
	rows, err := ss.db.QueryContext(ctx, `
		SELECT s.subscription_id, s.user_id, s.plan, s.end_date, u.email, u.first_name
		FROM subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.status = 'ACTIVE'
		  AND s.end_date BETWEEN NOW() AND NOW() + $1::interval
		  AND u.email <> ''
		  AND NOT EXISTS (
		      SELECT 1 FROM invoices i WHERE i.subscription_id = s.subscription_id
		  )
	`, fmt.Sprintf("%d hours", int(window.Hours())))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type reminder struct {
		subscriptionID string
		userID         int
		plan           string
		endDate        time.Time
		email          string
		firstName      string
	}

	var reminders []reminder
	for rows.Next() {
		var rem reminder
		if err := rows.Scan(&rem.subscriptionID, &rem.userID, &rem.plan, &rem.endDate, &rem.email, &rem.firstName); err != nil {
			return 0, err
		}
		reminders = append(reminders, rem)
	}

	sent := 0
	for _, rem := range reminders {
		plan, ok := config.PlanByID(rem.plan)
		if !ok {
			log.Printf("[SUBSCRIPTION] Unknown plan %q on subscription %s", rem.plan, rem.subscriptionID)
			continue
		}

		invoice := models.Invoice{
			InvoiceID:      fmt.Sprintf("INV-%s", uuid.New().String()),
			UserID:         rem.userID,
			SubscriptionID: rem.subscriptionID,
			Amount:         plan.Price,
			Currency:       "HTG",
			Status:         "pending",
			DueDate:        rem.endDate,
			CreatedAt:      time.Now(),
		}
		_, err := ss.db.ExecContext(ctx, `
			INSERT INTO invoices (invoice_id, user_id, subscription_id, amount, currency, status, due_date, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, invoice.InvoiceID, invoice.UserID, invoice.SubscriptionID, invoice.Amount,
			invoice.Currency, invoice.Status, invoice.DueDate, invoice.CreatedAt)
		if err != nil {
			log.Printf("[SUBSCRIPTION] Failed to create invoice for %s: %v", rem.subscriptionID, err)
			continue
		}

		if ss.mailer != nil {
			body := fmt.Sprintf(
				"<p>Bonjour %s,</p><p>Votre %s expire le %s. Renouvelez-le pour continuer à voyager sans interruption.</p><p>Montant: %.2f HTG</p>",
				rem.firstName, plan.Name, rem.endDate.Format("02/01/2006"), float64(plan.Price)/100)
			if err := ss.mailer.Send(rem.email, "Votre abonnement expire bientôt", body); err != nil {
				log.Printf("[SUBSCRIPTION] Reminder email failed for %s: %v", rem.subscriptionID, err)
			}
		}

		sent++
	}

	if sent > 0 {
		log.Printf("[SUBSCRIPTION] Sent %d renewal reminders", sent)
	}
	return sent, nil
}

// GetUserInvoices lists the authenticated user's invoices
// @Summary List invoices
// @Description List the authenticated user's invoices, newest first
// @Tags subscriptions
// @Produce json
// @Success 200 {object} object{invoices=[]models.Invoice,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /subscriptions/invoices [get]
func (ss *SubscriptionService) GetUserInvoices(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ss.db.Query(`
		SELECT invoice_id, user_id, subscription_id, amount, currency, status, due_date, created_at
		FROM invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		log.Printf("[SUBSCRIPTION] Failed to fetch invoices for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch invoices", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	invoices := []models.Invoice{}
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(&inv.InvoiceID, &inv.UserID, &inv.SubscriptionID, &inv.Amount,
			&inv.Currency, &inv.Status, &inv.DueDate, &inv.CreatedAt); err != nil {
			log.Printf("[SUBSCRIPTION] Failed to scan invoice row: %v", err)
			http.Error(w, "Failed to fetch invoices", http.StatusInternalServerError)
			return
		}
		invoices = append(invoices, inv)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"invoices": invoices,
		"count":    len(invoices),
	})
}
