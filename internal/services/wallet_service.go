package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/limajs/transit-backend/internal/models"
)

type WalletService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

// RechargeRequest represents a wallet recharge submission
// @Description Wallet recharge request structure
type RechargeRequest struct {
	Amount   int64  `json:"amount" validate:"required,gt=0" example:"50000"`                          // Amount in centimes
	Method   string `json:"method" validate:"required,oneof=BANK_TRANSFER MONCASH CASH" example:"MONCASH"` // Payment channel
	ProofKey string `json:"proofKey" validate:"required" example:"proofs/2026/08/p1.jpg"`             // Uploaded proof reference
}

// PayRequest represents a wallet debit request
// @Description Wallet payment request structure
type PayRequest struct {
	Amount      int64  `json:"amount" validate:"required,gt=0" example:"10000"` // Amount in centimes
	Description string `json:"description" validate:"required" example:"Ticket simple"`
	RelatedID   string `json:"relatedId,omitempty" example:"TKT-42"`
}

func NewWalletService(db *sql.DB, ledger *LedgerService) *WalletService {
	return &WalletService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// GetBalance returns the authenticated user's wallet
// @Summary Get wallet balance
// @Description Get the authenticated user's wallet balance in centimes
// @Tags wallet
// @Produce json
// @Success 200 {object} models.Wallet "Wallet"
// @Failure 401 {string} string "Unauthorized"
// @Failure 404 {string} string "Wallet not found"
// @Router /wallet [get]
func (ws *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var wallet models.Wallet
	err := ws.db.QueryRow("SELECT user_id, balance, currency, updated_at FROM wallets WHERE user_id = $1",
		userID).Scan(&wallet.UserID, &wallet.Balance, &wallet.Currency, &wallet.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Wallet not found", http.StatusNotFound)
		} else {
			log.Printf("[WALLET] Failed to fetch wallet for user %d: %v", userID, err)
			http.Error(w, "Failed to fetch wallet", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wallet)
}

// GetTransactions returns the wallet transaction history
// @Summary List wallet transactions
// @Description Get the authenticated user's wallet transaction history, newest first
// @Tags wallet
// @Produce json
// @Param limit query int false "Number of records to return (default: 20, max: 100)"
// @Success 200 {object} object{transactions=[]models.WalletTransaction,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /wallet/transactions [get]
func (ws *WalletService) GetTransactions(w http.ResponseWriter, r *http.Request) {
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

	rows, err := ws.db.Query(`
		SELECT id, transaction_id, user_id, direction, amount, resulting_balance, description, COALESCE(related_id, ''), created_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		log.Printf("[WALLET] Failed to fetch transactions for user %d: %v", userID, err)
		http.Error(w, "Failed to fetch transactions", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	transactions := []models.WalletTransaction{}
	for rows.Next() {
		var tx models.WalletTransaction
		if err := rows.Scan(&tx.ID, &tx.TransactionID, &tx.UserID, &tx.Direction, &tx.Amount,
			&tx.ResultingBalance, &tx.Description, &tx.RelatedID, &tx.CreatedAt); err != nil {
			log.Printf("[WALLET] Failed to scan transaction row: %v", err)
			http.Error(w, "Failed to fetch transactions", http.StatusInternalServerError)
			return
		}
		transactions = append(transactions, tx)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// Recharge submits a wallet top-up for manual review
// @Summary Recharge wallet
// @Description Submit a wallet recharge with payment proof. The wallet is credited when an admin approves the payment.
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body RechargeRequest true "Recharge request"
// @Success 201 {object} models.Payment "Pending payment"
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Unauthorized"
// @Router /wallet/recharge [post]
func (ws *WalletService) Recharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RechargeRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payment := models.Payment{
		PaymentID:   fmt.Sprintf("PAY-%s", uuid.New().String()),
		UserID:      userID,
		Amount:      req.Amount,
		Currency:    "HTG",
		Method:      req.Method,
		Purpose:     models.PaymentPurposeWalletRecharge,
		Status:      models.PaymentStatusPending,
		ProofKey:    req.ProofKey,
		SubmittedAt: time.Now(),
	}

	_, err := ws.db.Exec(`
		INSERT INTO payments (payment_id, user_id, amount, currency, method, purpose, status, proof_key, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, payment.PaymentID, payment.UserID, payment.Amount, payment.Currency, payment.Method,
		payment.Purpose, payment.Status, payment.ProofKey, payment.SubmittedAt)
	if err != nil {
		log.Printf("[WALLET] Failed to create recharge payment for user %d: %v", userID, err)
		http.Error(w, "Failed to submit recharge", http.StatusInternalServerError)
		return
	}

	log.Printf("[WALLET] Recharge %s submitted by user %d for %d centimes", payment.PaymentID, userID, req.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(payment)
}

// Pay debits the authenticated user's wallet
// @Summary Pay from wallet
// @Description Debit the authenticated user's wallet balance
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body PayRequest true "Payment request"
// @Success 200 {object} object{success=bool,transaction=models.WalletTransaction,newBalance=int64}
// @Failure 400 {string} string "Insufficient balance"
// @Failure 401 {string} string "Unauthorized"
// @Failure 409 {string} string "Concurrent modification"
// @Router /wallet/pay [post]
func (ws *WalletService) Pay(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PayRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := ws.Debit(r.Context(), userID, req.Amount, req.Description, req.RelatedID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	if res.AuditWriteFailed {
		log.Printf("[WALLET] Debit succeeded for user %d but transaction record failed", userID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":     true,
		"transaction": res.Transaction,
		"newBalance":  res.NewBalance,
	})
}

// Debit reads the current balance and applies a conditional debit, retrying
// lost races with a fresh read each attempt.
func (ws *WalletService) Debit(ctx context.Context, userID int, amount int64, description, relatedID string) (*TransitionResult, error) {
	return ws.ledger.RetryTransition(ctx, func(ctx context.Context) (TransitionRequest, error) {
		var balance int64
		err := ws.db.QueryRowContext(ctx, "SELECT balance FROM wallets WHERE user_id = $1", userID).Scan(&balance)
		if err != nil {
			if err == sql.ErrNoRows {
				return TransitionRequest{}, fmt.Errorf("wallet %d: %w", userID, ErrNotFound)
			}
			return TransitionRequest{}, err
		}
		return TransitionRequest{
			Kind:            KindWallet,
			EntityID:        strconv.Itoa(userID),
			ExpectedBalance: balance,
			BalanceDelta:    -amount,
			Description:     description,
			RelatedID:       relatedID,
		}, nil
	})
}

// Credit reads the current balance and applies a conditional credit.
func (ws *WalletService) Credit(ctx context.Context, userID int, amount int64, description, relatedID string) (*TransitionResult, error) {
	return ws.ledger.RetryTransition(ctx, func(ctx context.Context) (TransitionRequest, error) {
		var balance int64
		err := ws.db.QueryRowContext(ctx, "SELECT balance FROM wallets WHERE user_id = $1", userID).Scan(&balance)
		if err != nil {
			if err == sql.ErrNoRows {
				return TransitionRequest{}, fmt.Errorf("wallet %d: %w", userID, ErrNotFound)
			}
			return TransitionRequest{}, err
		}
		return TransitionRequest{
			Kind:            KindWallet,
			EntityID:        strconv.Itoa(userID),
			ExpectedBalance: balance,
			BalanceDelta:    amount,
			Description:     description,
			RelatedID:       relatedID,
		}, nil
	})
}

// writeLedgerError maps ledger errors onto HTTP status codes.
func writeLedgerError(w http.ResponseWriter, err error) {
	var illegal *IllegalTransitionError
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, ErrInsufficientBalance):
		http.Error(w, "Insufficient balance", http.StatusBadRequest)
	case errors.Is(err, ErrConcurrentModification):
		http.Error(w, "Resource was modified concurrently, please retry", http.StatusConflict)
	case errors.As(err, &illegal):
		http.Error(w, illegal.Error(), http.StatusBadRequest)
	default:
		log.Printf("[WALLET] Unexpected ledger error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
