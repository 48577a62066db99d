package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/limajs/transit-backend/internal/audit"
	"github.com/limajs/transit-backend/internal/models"
)

// Ledger errors. ErrConcurrentModification is the only retryable kind: the
// caller must re-read the entity and resubmit, never overwrite blindly.
var (
	ErrNotFound               = errors.New("entity not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// IllegalTransitionError names the status the entity is actually in, so
// handlers can tell a rider exactly why a double scan or re-approval failed.
type IllegalTransitionError struct {
	Kind       EntityKind
	EntityID   string
	FromStatus string
	ToStatus   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s for %s %s", e.FromStatus, e.ToStatus, e.Kind, e.EntityID)
}

// EntityKind selects the transition table and backing SQL table.
type EntityKind string

const (
	KindWallet       EntityKind = "wallet"
	KindTicket       EntityKind = "ticket"
	KindCard         EntityKind = "nfc_card"
	KindPayment      EntityKind = "payment"
	KindSubscription EntityKind = "subscription"
	KindTrip         EntityKind = "trip"
)

type kindConfig struct {
	table       string
	idColumn    string
	transitions map[string][]string
	hasBalance  bool
}

// Transition tables per entity kind. Absent edges are illegal; terminal
// statuses (USED, EXPIRED, BLOCKED, REJECTED, COMPLETED) have no outgoing
// edges and are never re-entered.
var kindConfigs = map[EntityKind]kindConfig{
	KindWallet: {
		table:      "wallets",
		idColumn:   "user_id",
		hasBalance: true,
	},
	KindTicket: {
		table:    "tickets",
		idColumn: "ticket_id",
		transitions: map[string][]string{
			models.TicketStatusActive: {models.TicketStatusUsed, models.TicketStatusExpired},
		},
	},
	KindCard: {
		table:    "cards",
		idColumn: "card_id",
		transitions: map[string][]string{
			models.CardStatusPendingActivation: {models.CardStatusActive, models.CardStatusBlocked},
			models.CardStatusActive:            {models.CardStatusBlocked},
		},
	},
	KindPayment: {
		table:    "payments",
		idColumn: "payment_id",
		transitions: map[string][]string{
			models.PaymentStatusPending: {models.PaymentStatusApproved, models.PaymentStatusRejected},
		},
	},
	KindSubscription: {
		table:    "subscriptions",
		idColumn: "subscription_id",
		transitions: map[string][]string{
			models.SubscriptionStatusPending: {models.SubscriptionStatusActive},
			models.SubscriptionStatusActive:  {models.SubscriptionStatusExpired},
		},
	},
	KindTrip: {
		table:    "trips",
		idColumn: "trip_id",
		transitions: map[string][]string{
			models.TripStatusActive: {models.TripStatusCompleted},
		},
	},
}

// SetClause carries an extra column assignment applied in the same
// conditional UPDATE as the status change (validated_at, reviewed_by, ...).
// Column names are compile-time constants in the calling services.
type SetClause struct {
	Column string
	Value  any
}

// TransitionRequest describes one state transition. For status entities the
// precondition is ExpectedStatus; for wallets it is ExpectedBalance, with
// BalanceDelta signed (negative for debits).
type TransitionRequest struct {
	Kind            EntityKind
	EntityID        string
	ExpectedStatus  string
	NewStatus       string
	ExpectedBalance int64
	BalanceDelta    int64
	Description     string
	RelatedID       string
	Extra           []SetClause
}

// TransitionResult reports the applied transition. AuditWriteFailed is a
// non-fatal warning: the entity mutation succeeded but the wallet
// transaction record could not be appended and must be backfilled by the
// reconciliation job.
type TransitionResult struct {
	Kind             EntityKind
	EntityID         string
	PreviousStatus   string
	NewStatus        string
	NewBalance       int64
	Transaction      *models.WalletTransaction
	AuditWriteFailed bool
}

// LedgerService performs single-entity state transitions under optimistic
// concurrency control. The only locking primitive is the store's conditional
// UPDATE keyed on the current status (or balance); the loser of a race gets
// ErrConcurrentModification and must re-read before retrying.
type LedgerService struct {
	db    *sql.DB
	audit *audit.Logger
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{
		db:    db,
		audit: audit.NewLogger(),
	}
}

// ApplyTransition applies one status or balance transition atomically at
// single-entity granularity: either the row moves to the new state (and, for
// balance changes, a wallet transaction is appended), or nothing changes.
func (s *LedgerService) ApplyTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	cfg, ok := kindConfigs[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", req.Kind)
	}

	if cfg.hasBalance {
		return s.applyBalanceChange(ctx, cfg, req)
	}
	return s.applyStatusChange(ctx, cfg, req)
}

func (s *LedgerService) applyStatusChange(ctx context.Context, cfg kindConfig, req TransitionRequest) (*TransitionResult, error) {
	if !legalTransition(cfg, req.ExpectedStatus, req.NewStatus) {
		return nil, &IllegalTransitionError{
			Kind:       req.Kind,
			EntityID:   req.EntityID,
			FromStatus: req.ExpectedStatus,
			ToStatus:   req.NewStatus,
		}
	}

	query := fmt.Sprintf("UPDATE %s SET status = $1", cfg.table)
	args := []any{req.NewStatus}
	for _, set := range req.Extra {
		args = append(args, set.Value)
		query += fmt.Sprintf(", %s = $%d", set.Column, len(args))
	}
	args = append(args, req.EntityID)
	query += fmt.Sprintf(" WHERE %s = $%d", cfg.idColumn, len(args))
	args = append(args, req.ExpectedStatus)
	query += fmt.Sprintf(" AND status = $%d", len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.audit.LogError(string(req.Kind), req.EntityID, err)
		return nil, fmt.Errorf("transition write failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.classifyPreconditionFailure(ctx, cfg, req)
	}

	s.audit.LogTransition(string(req.Kind), req.EntityID, req.ExpectedStatus, req.NewStatus)

	return &TransitionResult{
		Kind:           req.Kind,
		EntityID:       req.EntityID,
		PreviousStatus: req.ExpectedStatus,
		NewStatus:      req.NewStatus,
	}, nil
}

func (s *LedgerService) applyBalanceChange(ctx context.Context, cfg kindConfig, req TransitionRequest) (*TransitionResult, error) {
	newBalance := req.ExpectedBalance + req.BalanceDelta
	if newBalance < 0 {
		return nil, fmt.Errorf("balance %d, requested %d: %w",
			req.ExpectedBalance, -req.BalanceDelta, ErrInsufficientBalance)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET balance = $1, updated_at = $2 WHERE %s = $3 AND balance = $4",
		cfg.table, cfg.idColumn)

	result, err := s.db.ExecContext(ctx, query, newBalance, time.Now(), req.EntityID, req.ExpectedBalance)
	if err != nil {
		s.audit.LogError(string(req.Kind), req.EntityID, err)
		return nil, fmt.Errorf("balance write failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.classifyPreconditionFailure(ctx, cfg, req)
	}

	res := &TransitionResult{
		Kind:       req.Kind,
		EntityID:   req.EntityID,
		NewBalance: newBalance,
	}

	// Append the immutable transaction record. The wallet row is the source
	// of truth: if this write fails the transition still stands, and the gap
	// is surfaced for out-of-band reconciliation.
	tx, err := s.appendWalletTransaction(ctx, req, newBalance)
	if err != nil {
		log.Printf("[LEDGER] Audit write failed for wallet %s: %v", req.EntityID, err)
		s.audit.LogError(string(req.Kind), req.EntityID, err)
		res.AuditWriteFailed = true
		return res, nil
	}
	res.Transaction = tx

	s.audit.LogBalanceChange(string(req.Kind), req.EntityID, tx.TransactionID, req.BalanceDelta, newBalance)
	return res, nil
}

func (s *LedgerService) appendWalletTransaction(ctx context.Context, req TransitionRequest, newBalance int64) (*models.WalletTransaction, error) {
	direction := models.DirectionCredit
	amount := req.BalanceDelta
	if amount < 0 {
		direction = models.DirectionDebit
		amount = -amount
	}

	tx := &models.WalletTransaction{
		TransactionID:    fmt.Sprintf("tx-%s", uuid.New().String()),
		Direction:        direction,
		Amount:           amount,
		ResultingBalance: newBalance,
		Description:      req.Description,
		RelatedID:        req.RelatedID,
		CreatedAt:        time.Now(),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (transaction_id, user_id, direction, amount, resulting_balance, description, related_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		tx.TransactionID, req.EntityID, tx.Direction, tx.Amount, tx.ResultingBalance, tx.Description, tx.RelatedID, tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// classifyPreconditionFailure distinguishes a lost race from a missing row
// after a conditional UPDATE matched nothing.
func (s *LedgerService) classifyPreconditionFailure(ctx context.Context, cfg kindConfig, req TransitionRequest) error {
	if cfg.hasBalance {
		query := fmt.Sprintf("SELECT balance FROM %s WHERE %s = $1", cfg.table, cfg.idColumn)
		var balance int64
		err := s.db.QueryRowContext(ctx, query, req.EntityID).Scan(&balance)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%s %s: %w", req.Kind, req.EntityID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("wallet %s balance is %d, expected %d: %w",
			req.EntityID, balance, req.ExpectedBalance, ErrConcurrentModification)
	}

	query := fmt.Sprintf("SELECT status FROM %s WHERE %s = $1", cfg.table, cfg.idColumn)
	var status string
	err := s.db.QueryRowContext(ctx, query, req.EntityID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s %s: %w", req.Kind, req.EntityID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s is %s, expected %s: %w",
		req.Kind, req.EntityID, status, req.ExpectedStatus, ErrConcurrentModification)
}

func legalTransition(cfg kindConfig, from, to string) bool {
	for _, allowed := range cfg.transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// maxTransitionRetries bounds automatic retries after a lost race.
const maxTransitionRetries = 3

// RetryTransition re-reads fresh state via build and resubmits the
// transition until it succeeds, fails terminally, or the retry budget is
// exhausted. Only ErrConcurrentModification is retried.
func (s *LedgerService) RetryTransition(ctx context.Context, build func(ctx context.Context) (TransitionRequest, error)) (*TransitionResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		res, err := s.ApplyTransition(ctx, req)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			return nil, err
		}
		log.Printf("[LEDGER] Retry %d for %s %s after lost race", attempt+1, req.Kind, req.EntityID)
		lastErr = err
	}
	return nil, lastErr
}
