package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/limajs/transit-backend/internal/config"
	"github.com/limajs/transit-backend/internal/models"
)

type PaymentService struct {
	db        *sql.DB
	ledger    *LedgerService
	wallet    *WalletService
	validator *ValidationHelper
}

// SubmitPaymentRequest represents a payment submission
// @Description Payment submission with proof of transfer
type SubmitPaymentRequest struct {
	Amount           int64  `json:"amount" validate:"required,gt=0" example:"200000"`
	Method           string `json:"method" validate:"required,oneof=BANK_TRANSFER MONCASH NATCASH CASH" example:"MONCASH"`
	Purpose          string `json:"purpose" validate:"required,oneof=subscription wallet_recharge" example:"subscription"`
	SubscriptionPlan string `json:"subscriptionPlan" validate:"omitempty,oneof=DAILY WEEKLY MONTHLY" example:"MONTHLY"`
	ProofKey         string `json:"proofKey" validate:"required" example:"proofs/2026/08/p1.jpg"`
	Notes            string `json:"notes,omitempty" example:"Transfert du 28/08"`
}

// RejectPaymentRequest carries the admin rejection reason
// @Description Payment rejection request
type RejectPaymentRequest struct {
	Reason string `json:"reason" validate:"required" example:"Preuve illisible"`
}

func NewPaymentService(db *sql.DB, ledger *LedgerService, wallet *WalletService) *PaymentService {
	return &PaymentService{
		db:        db,
		ledger:    ledger,
		wallet:    wallet,
		validator: NewValidationHelper(),
	}
}

// SubmitPayment records a payment awaiting manual review
// @Summary Submit a payment
// @Description Submit a payment with proof for manual review. Subscription payments also create a pending subscription.
// @Tags payments
// @Accept json
// @Produce json
// @Param request body SubmitPaymentRequest true "Payment submission"
// @Success 201 {object} models.Payment
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Unauthorized"
// @Router /payments [post]
func (ps *PaymentService) SubmitPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req SubmitPaymentRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Purpose == models.PaymentPurposeSubscription {
		plan, ok := config.PlanByID(req.SubscriptionPlan)
		if !ok {
			SendErrorResponse(w, "Unknown subscription plan", http.StatusBadRequest, nil)
			return
		}
		if req.Amount != plan.Price {
			log.Printf("[PAYMENT] Amount mismatch for plan %s: got %d, want %d", plan.ID, req.Amount, plan.Price)
			SendErrorResponse(w, "Amount does not match plan price", http.StatusBadRequest, nil)
			return
		}
	}

	payment := models.Payment{
		PaymentID:        fmt.Sprintf("PAY-%s", uuid.New().String()),
		UserID:           userID,
		Amount:           req.Amount,
		Currency:         "HTG",
		Method:           req.Method,
		Purpose:          req.Purpose,
		SubscriptionPlan: req.SubscriptionPlan,
		Status:           models.PaymentStatusPending,
		ProofKey:         req.ProofKey,
		Notes:            req.Notes,
		SubmittedAt:      time.Now(),
	}

	tx, err := ps.db.Begin()
	if err != nil {
		log.Printf("[PAYMENT] Failed to begin transaction: %v", err)
		http.Error(w, "Failed to submit payment", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO payments (payment_id, user_id, amount, currency, method, purpose, subscription_plan, status, proof_key, notes, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, payment.PaymentID, payment.UserID, payment.Amount, payment.Currency, payment.Method,
		payment.Purpose, payment.SubscriptionPlan, payment.Status, payment.ProofKey, payment.Notes, payment.SubmittedAt)
	if err != nil {
		log.Printf("[PAYMENT] Failed to store payment for user %d: %v", userID, err)
		http.Error(w, "Failed to submit payment", http.StatusInternalServerError)
		return
	}

	// A subscription payment reserves its pass immediately; the pass only
	// becomes usable once the payment is approved.
	if req.Purpose == models.PaymentPurposeSubscription {
		plan, _ := config.PlanByID(req.SubscriptionPlan)
		now := time.Now()
		subscriptionID := fmt.Sprintf("SUB-%s", uuid.New().String())
		_, err = tx.Exec(`
			INSERT INTO subscriptions (subscription_id, user_id, plan, status, start_date, end_date, payment_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, subscriptionID, userID, plan.ID, models.SubscriptionStatusPending,
			now, now.AddDate(0, 0, plan.Days), payment.PaymentID, now)
		if err != nil {
			log.Printf("[PAYMENT] Failed to create pending subscription for %s: %v", payment.PaymentID, err)
			http.Error(w, "Failed to submit payment", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[PAYMENT] Failed to commit payment submission: %v", err)
		http.Error(w, "Failed to submit payment", http.StatusInternalServerError)
		return
	}

	log.Printf("[PAYMENT] Payment %s submitted by user %d (%s, %d centimes)",
		payment.PaymentID, userID, payment.Purpose, payment.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payment)
}

// ListPendingPayments lists payments awaiting review
// @Summary List pending payments
// @Description List payments awaiting manual review, oldest first (admin only)
// @Tags payments
// @Produce json
// @Success 200 {object} object{payments=[]models.Payment,count=int}
// @Router /admin/payments/pending [get]
func (ps *PaymentService) ListPendingPayments(w http.ResponseWriter, r *http.Request) {
	rows, err := ps.db.Query(`
		SELECT payment_id, user_id, amount, currency, method, purpose, COALESCE(subscription_plan, ''), status,
		       COALESCE(proof_key, ''), COALESCE(notes, ''), submitted_at
		FROM payments
		WHERE status = 'PENDING'
		ORDER BY submitted_at ASC
	`)
	if err != nil {
		log.Printf("[PAYMENT] Failed to list pending payments: %v", err)
		http.Error(w, "Failed to fetch payments", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.PaymentID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Purpose,
			&p.SubscriptionPlan, &p.Status, &p.ProofKey, &p.Notes, &p.SubmittedAt); err != nil {
			log.Printf("[PAYMENT] Failed to scan payment row: %v", err)
			http.Error(w, "Failed to fetch payments", http.StatusInternalServerError)
			return
		}
		payments = append(payments, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	})
}

// ApprovePayment approves a pending payment
// @Summary Approve a payment
// @Description Approve a pending payment. Activates the linked subscription or credits the wallet. A payment can be approved exactly once.
// @Tags payments
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} object{success=bool,paymentId=string,status=string}
// @Failure 400 {string} string "Payment already reviewed"
// @Failure 404 {string} string "Payment not found"
// @Failure 409 {string} string "Payment reviewed concurrently"
// @Router /admin/payments/{paymentId}/approve [put]
func (ps *PaymentService) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	paymentID := chi.URLParam(r, "paymentId")

	var payment models.Payment
	err := ps.db.QueryRow(`
		SELECT payment_id, user_id, amount, purpose, COALESCE(subscription_plan, ''), status
		FROM payments WHERE payment_id = $1
	`, paymentID).Scan(&payment.PaymentID, &payment.UserID, &payment.Amount,
		&payment.Purpose, &payment.SubscriptionPlan, &payment.Status)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Payment not found", http.StatusNotFound)
		} else {
			log.Printf("[PAYMENT] Payment lookup failed for %s: %v", paymentID, err)
			http.Error(w, "Failed to approve payment", http.StatusInternalServerError)
		}
		return
	}

	// The conditional write is the arbiter: two admins clicking approve at
	// once yields exactly one winner.
	now := time.Now()
	_, err = ps.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindPayment,
		EntityID:       paymentID,
		ExpectedStatus: models.PaymentStatusPending,
		NewStatus:      models.PaymentStatusApproved,
		Extra: []SetClause{
			{Column: "reviewed_at", Value: now},
			{Column: "reviewed_by", Value: adminID},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	switch payment.Purpose {
	case models.PaymentPurposeSubscription:
		if err := ps.activateSubscription(r.Context(), &payment); err != nil {
			log.Printf("[PAYMENT] Subscription activation failed for %s: %v", paymentID, err)
		}
	case models.PaymentPurposeWalletRecharge:
		if _, err := ps.wallet.Credit(r.Context(), payment.UserID, payment.Amount,
			"Recharge approuvée", paymentID); err != nil {
			log.Printf("[PAYMENT] Wallet credit failed for %s: %v", paymentID, err)
		}
	}

	log.Printf("[PAYMENT] Payment %s approved by admin %d", paymentID, adminID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"paymentId": paymentID,
		"status":    models.PaymentStatusApproved,
	})
}

// RejectPayment rejects a pending payment
// @Summary Reject a payment
// @Description Reject a pending payment with a reason. Rejected payments are final.
// @Tags payments
// @Accept json
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Param request body RejectPaymentRequest true "Rejection reason"
// @Success 200 {object} object{success=bool,paymentId=string,status=string}
// @Failure 400 {string} string "Payment already reviewed"
// @Failure 404 {string} string "Payment not found"
// @Router /admin/payments/{paymentId}/reject [put]
func (ps *PaymentService) RejectPayment(w http.ResponseWriter, r *http.Request) {
	adminID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	paymentID := chi.URLParam(r, "paymentId")

	var req RejectPaymentRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	_, err := ps.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindPayment,
		EntityID:       paymentID,
		ExpectedStatus: models.PaymentStatusPending,
		NewStatus:      models.PaymentStatusRejected,
		Extra: []SetClause{
			{Column: "reviewed_at", Value: now},
			{Column: "reviewed_by", Value: adminID},
			{Column: "reject_reason", Value: req.Reason},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	log.Printf("[PAYMENT] Payment %s rejected by admin %d: %s", paymentID, adminID, req.Reason)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":   true,
		"paymentId": paymentID,
		"status":    models.PaymentStatusRejected,
	})
}

// GetUserPayments lists the authenticated user's payments
// @Summary List own payments
// @Description List the authenticated user's payment submissions, newest first
// @Tags payments
// @Produce json
// @Param limit query int false "Number of records (default: 20, max: 100)"
// @Success 200 {object} object{payments=[]models.Payment,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /payments [get]
func (ps *PaymentService) GetUserPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	rows, err := ps.db.Query(`
		SELECT payment_id, user_id, amount, currency, method, purpose, COALESCE(subscription_plan, ''), status,
		       COALESCE(proof_key, ''), COALESCE(notes, ''), submitted_at, reviewed_at, reviewed_by, COALESCE(reject_reason, '')
		FROM payments
		WHERE user_id = $1
		ORDER BY submitted_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[PAYMENT] Failed to fetch payments for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch payments", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	payments := []models.Payment{}
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.PaymentID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &p.Purpose,
			&p.SubscriptionPlan, &p.Status, &p.ProofKey, &p.Notes, &p.SubmittedAt,
			&p.ReviewedAt, &p.ReviewedBy, &p.RejectReason); err != nil {
			log.Printf("[PAYMENT] Failed to scan payment row: %v", err)
			http.Error(w, "Failed to fetch payments", http.StatusInternalServerError)
			return
		}
		payments = append(payments, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"payments": payments,
		"count":    len(payments),
	})
}

// activateSubscription flips the pending subscription linked to an approved
// payment and re-anchors its validity window at approval time.
func (ps *PaymentService) activateSubscription(ctx context.Context, payment *models.Payment) error {
	var subscriptionID string
	err := ps.db.QueryRowContext(ctx,
		"SELECT subscription_id FROM subscriptions WHERE payment_id = $1", payment.PaymentID).Scan(&subscriptionID)
	if err != nil {
		return fmt.Errorf("subscription lookup for payment %s: %w", payment.PaymentID, err)
	}

	plan, ok := config.PlanByID(payment.SubscriptionPlan)
	if !ok {
		return fmt.Errorf("unknown plan %q on payment %s", payment.SubscriptionPlan, payment.PaymentID)
	}

	now := time.Now()
	_, err = ps.ledger.ApplyTransition(ctx, TransitionRequest{
		Kind:           KindSubscription,
		EntityID:       subscriptionID,
		ExpectedStatus: models.SubscriptionStatusPending,
		NewStatus:      models.SubscriptionStatusActive,
		Extra: []SetClause{
			{Column: "activated_at", Value: now},
			{Column: "start_date", Value: now},
			{Column: "end_date", Value: now.AddDate(0, 0, plan.Days)},
		},
	})
	if err != nil {
		return err
	}

	log.Printf("[PAYMENT] Subscription %s activated (plan %s, %d days)", subscriptionID, plan.ID, plan.Days)
	return nil
}
