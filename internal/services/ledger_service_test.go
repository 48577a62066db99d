package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestLedgerService_WalletDebit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("successful debit appends one transaction record", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(50000), sqlmock.AnyArg(), "42", int64(100000)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WithArgs(sqlmock.AnyArg(), "42", "debit", int64(50000), int64(50000), "Paiement abonnement", "SUB-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		res, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:            KindWallet,
			EntityID:        "42",
			ExpectedBalance: 100000,
			BalanceDelta:    -50000,
			Description:     "Paiement abonnement",
			RelatedID:       "SUB-1",
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(50000), res.NewBalance)
		assert.False(t, res.AuditWriteFailed)
		assert.NotNil(t, res.Transaction)
		assert.Equal(t, "debit", res.Transaction.Direction)
		assert.Equal(t, int64(50000), res.Transaction.Amount)
		assert.Equal(t, int64(50000), res.Transaction.ResultingBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance fails before any write", func(t *testing.T) {
		res, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:            KindWallet,
			EntityID:        "42",
			ExpectedBalance: 100000,
			BalanceDelta:    -120000,
		})
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race yields ConcurrentModification", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(50000), sqlmock.AnyArg(), "42", int64(100000)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT balance FROM wallets WHERE user_id = \\$1").
			WithArgs("42").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(70000))

		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:            KindWallet,
			EntityID:        "42",
			ExpectedBalance: 100000,
			BalanceDelta:    -50000,
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.Contains(t, err.Error(), "balance is 70000")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing wallet yields NotFound", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(25000), sqlmock.AnyArg(), "99", int64(10000)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT balance FROM wallets WHERE user_id = \\$1").
			WithArgs("99").
			WillReturnError(sql.ErrNoRows)

		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:            KindWallet,
			EntityID:        "99",
			ExpectedBalance: 10000,
			BalanceDelta:    15000,
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("audit append failure is a warning, not an error", func(t *testing.T) {
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(150000), sqlmock.AnyArg(), "42", int64(100000)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO wallet_transactions").
			WillReturnError(errors.New("connection reset"))

		res, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:            KindWallet,
			EntityID:        "42",
			ExpectedBalance: 100000,
			BalanceDelta:    50000,
			Description:     "Recharge",
		})
		assert.NoError(t, err)
		assert.True(t, res.AuditWriteFailed)
		assert.Nil(t, res.Transaction)
		assert.Equal(t, int64(150000), res.NewBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_StatusTransitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("ticket validation ACTIVE to USED", func(t *testing.T) {
		now := time.Now()
		mock.ExpectExec("UPDATE tickets SET status = \\$1, validated_at = \\$2, validated_by = \\$3 WHERE ticket_id = \\$4 AND status = \\$5").
			WithArgs("USED", now, 7, "t1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		res, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:           KindTicket,
			EntityID:       "t1",
			ExpectedStatus: "ACTIVE",
			NewStatus:      "USED",
			Extra: []SetClause{
				{Column: "validated_at", Value: now},
				{Column: "validated_by", Value: 7},
			},
		})
		assert.NoError(t, err)
		assert.Equal(t, "ACTIVE", res.PreviousStatus)
		assert.Equal(t, "USED", res.NewStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second validator loses the race", func(t *testing.T) {
		mock.ExpectExec("UPDATE tickets SET status = \\$1 WHERE ticket_id = \\$2 AND status = \\$3").
			WithArgs("USED", "t1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT status FROM tickets WHERE ticket_id = \\$1").
			WithArgs("t1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("USED"))

		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:           KindTicket,
			EntityID:       "t1",
			ExpectedStatus: "ACTIVE",
			NewStatus:      "USED",
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.Contains(t, err.Error(), "is USED")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("blocked card cannot be reactivated", func(t *testing.T) {
		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:           KindCard,
			EntityID:       "card1",
			ExpectedStatus: "BLOCKED",
			NewStatus:      "ACTIVE",
		})
		var illegal *IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
		assert.Equal(t, "BLOCKED", illegal.FromStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("approved payment cannot be rejected", func(t *testing.T) {
		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:           KindPayment,
			EntityID:       "p1",
			ExpectedStatus: "APPROVED",
			NewStatus:      "REJECTED",
		})
		var illegal *IllegalTransitionError
		assert.ErrorAs(t, err, &illegal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing entity yields NotFound", func(t *testing.T) {
		mock.ExpectExec("UPDATE payments SET status = \\$1 WHERE payment_id = \\$2 AND status = \\$3").
			WithArgs("APPROVED", "nope", "PENDING").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery("SELECT status FROM payments WHERE payment_id = \\$1").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := service.ApplyTransition(context.Background(), TransitionRequest{
			Kind:           KindPayment,
			EntityID:       "nope",
			ExpectedStatus: "PENDING",
			NewStatus:      "APPROVED",
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_RetryTransition(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	t.Run("retries after a lost race and succeeds once", func(t *testing.T) {
		// First attempt loses the race at balance 100000.
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(90000), sqlmock.AnyArg(), "42", int64(100000)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT balance FROM wallets WHERE user_id = \\$1").
			WithArgs("42").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(80000))

		// Second attempt re-reads 80000 and wins.
		mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
			WithArgs(int64(70000), sqlmock.AnyArg(), "42", int64(80000)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO wallet_transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))

		balances := []int64{100000, 80000}
		attempt := 0
		res, err := service.RetryTransition(context.Background(), func(ctx context.Context) (TransitionRequest, error) {
			balance := balances[attempt]
			attempt++
			return TransitionRequest{
				Kind:            KindWallet,
				EntityID:        "42",
				ExpectedBalance: balance,
				BalanceDelta:    -10000,
			}, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(70000), res.NewBalance)
		assert.Equal(t, 2, attempt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		for i := 0; i < maxTransitionRetries; i++ {
			mock.ExpectExec("UPDATE wallets SET balance = \\$1, updated_at = \\$2 WHERE user_id = \\$3 AND balance = \\$4").
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery("SELECT balance FROM wallets WHERE user_id = \\$1").
				WithArgs("42").
				WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(55000))
		}

		_, err := service.RetryTransition(context.Background(), func(ctx context.Context) (TransitionRequest, error) {
			return TransitionRequest{
				Kind:            KindWallet,
				EntityID:        "42",
				ExpectedBalance: 100000,
				BalanceDelta:    -10000,
			}, nil
		})
		assert.ErrorIs(t, err, ErrConcurrentModification)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		calls := 0
		_, err := service.RetryTransition(context.Background(), func(ctx context.Context) (TransitionRequest, error) {
			calls++
			return TransitionRequest{
				Kind:            KindWallet,
				EntityID:        "42",
				ExpectedBalance: 10000,
				BalanceDelta:    -20000,
			}, nil
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, 1, calls)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_UnknownKind(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)

	_, err = service.ApplyTransition(context.Background(), TransitionRequest{
		Kind:     EntityKind("mystery"),
		EntityID: "x",
	})
	assert.Error(t, err)
}
