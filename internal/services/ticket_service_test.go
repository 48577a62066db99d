package services

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validateBody(token string) *bytes.Buffer {
	body, _ := json.Marshal(map[string]string{"qrToken": token})
	return bytes.NewBuffer(body)
}

func TestTicketService_GenerateTicket(t *testing.T) {
	t.Run("issues ticket with QR token", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()

		mock.ExpectQuery("SELECT subscription_id FROM subscriptions").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"subscription_id"}).AddRow("SUB-1"))
		mock.ExpectExec("INSERT INTO tickets").
			WithArgs(sqlmock.AnyArg(), 42, "SUB-1", "RT-1", "ACTIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		redisMock.Regexp().ExpectSet(`ticket_qr:.+`, `TKT-.+`, 15*time.Minute).SetVal("OK")

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets",
			bytes.NewBufferString(`{"routeId":"RT-1"}`)), 42)
		w := httptest.NewRecorder()

		service.GenerateTicket(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var response TicketResponse
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, "ACTIVE", response.Ticket.Status)
		assert.Equal(t, "SUB-1", response.Ticket.SubscriptionID)
		assert.NotEmpty(t, response.QRToken)
		assert.NotEmpty(t, response.QRImage)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("no active subscription returns 403", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()

		mock.ExpectQuery("SELECT subscription_id FROM subscriptions").
			WithArgs(42).
			WillReturnRows(sqlmock.NewRows([]string{"subscription_id"}))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets", nil), 42)
		w := httptest.NewRecorder()

		service.GenerateTicket(w, r)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestTicketService_ValidateTicket(t *testing.T) {
	t.Run("marks ticket used on first scan", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("ticket_qr:tok-1").SetVal("TKT-1")
		redisMock.ExpectDel("ticket_qr:tok-1").SetVal(1)

		mock.ExpectQuery("SELECT ticket_id, user_id, subscription_id").
			WithArgs("TKT-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"ticket_id", "user_id", "subscription_id", "route_id", "status", "issued_at", "expires_at",
			}).AddRow("TKT-1", 42, "SUB-1", "RT-1", "ACTIVE", time.Now(), time.Now().Add(10*time.Minute)))
		mock.ExpectExec(`UPDATE tickets SET status = \$1, validated_at = \$2, validated_by = \$3 WHERE ticket_id = \$4 AND status = \$5`).
			WithArgs("USED", sqlmock.AnyArg(), 7, "TKT-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets/validate", validateBody("tok-1")), 7)
		w := httptest.NewRecorder()

		service.ValidateTicket(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]any
		json.Unmarshal(w.Body.Bytes(), &response)
		assert.Equal(t, true, response["success"])
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("consumed token is rejected", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("ticket_qr:tok-1").RedisNil()

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets/validate", validateBody("tok-1")), 7)
		w := httptest.NewRecorder()

		service.ValidateTicket(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired QR code")
	})

	t.Run("expired ticket is swept and rejected", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("ticket_qr:tok-1").SetVal("TKT-1")
		redisMock.ExpectDel("ticket_qr:tok-1").SetVal(1)

		mock.ExpectQuery("SELECT ticket_id, user_id, subscription_id").
			WithArgs("TKT-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"ticket_id", "user_id", "subscription_id", "route_id", "status", "issued_at", "expires_at",
			}).AddRow("TKT-1", 42, "SUB-1", "", "ACTIVE", time.Now().Add(-time.Hour), time.Now().Add(-45*time.Minute)))
		mock.ExpectExec(`UPDATE tickets SET status = \$1 WHERE ticket_id = \$2 AND status = \$3`).
			WithArgs("EXPIRED", "TKT-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets/validate", validateBody("tok-1")), 7)
		w := httptest.NewRecorder()

		service.ValidateTicket(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "Ticket expired")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost validation race returns 409", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		redisMock.ExpectGet("ticket_qr:tok-1").SetVal("TKT-1")
		redisMock.ExpectDel("ticket_qr:tok-1").SetVal(1)

		mock.ExpectQuery("SELECT ticket_id, user_id, subscription_id").
			WithArgs("TKT-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"ticket_id", "user_id", "subscription_id", "route_id", "status", "issued_at", "expires_at",
			}).AddRow("TKT-1", 42, "SUB-1", "", "ACTIVE", time.Now(), time.Now().Add(10*time.Minute)))
		mock.ExpectExec(`UPDATE tickets SET status = \$1, validated_at = \$2, validated_by = \$3 WHERE ticket_id = \$4 AND status = \$5`).
			WithArgs("USED", sqlmock.AnyArg(), 7, "TKT-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM tickets").
			WithArgs("TKT-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("USED"))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		r := withUser(httptest.NewRequest("POST", "/tickets/validate", validateBody("tok-1")), 7)
		w := httptest.NewRecorder()

		service.ValidateTicket(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTicketService_ExpireStaleTickets(t *testing.T) {
	t.Run("sweeps expired tickets", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()

		mock.ExpectQuery("SELECT ticket_id FROM tickets").
			WillReturnRows(sqlmock.NewRows([]string{"ticket_id"}).
				AddRow("TKT-1").AddRow("TKT-2"))
		mock.ExpectExec(`UPDATE tickets SET status = \$1 WHERE ticket_id = \$2 AND status = \$3`).
			WithArgs("EXPIRED", "TKT-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE tickets SET status = \$1 WHERE ticket_id = \$2 AND status = \$3`).
			WithArgs("EXPIRED", "TKT-2", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		n, err := service.ExpireStaleTickets(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ticket validated mid-sweep is skipped without error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		redisClient, _ := redismock.NewClientMock()

		mock.ExpectQuery("SELECT ticket_id FROM tickets").
			WillReturnRows(sqlmock.NewRows([]string{"ticket_id"}).AddRow("TKT-1"))
		mock.ExpectExec(`UPDATE tickets SET status = \$1 WHERE ticket_id = \$2 AND status = \$3`).
			WithArgs("EXPIRED", "TKT-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM tickets").
			WithArgs("TKT-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("USED"))

		service := NewTicketService(db, redisClient, NewLedgerService(db))
		n, err := service.ExpireStaleTickets(context.Background())

		assert.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}
