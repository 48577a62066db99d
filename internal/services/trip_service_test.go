package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripRequest(method, path, tripID string, body io.Reader, userID int) *http.Request {
	r := httptest.NewRequest(method, path, body)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("tripId", tripID)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	if userID != 0 {
		r = withUser(r, userID)
	}
	return r
}

func TestTripService_StartTrip(t *testing.T) {
	t.Run("opens a trip for the driver", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO trips").
			WithArgs(sqlmock.AnyArg(), "BUS-1", "RT-1", "SCH-1", 7, "ACTIVE", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		service := NewTripService(db, NewLedgerService(db))
		body := bytes.NewBufferString(`{"busId": "BUS-1", "routeId": "RT-1", "scheduleId": "SCH-1"}`)
		r := withUser(httptest.NewRequest("POST", "/trips", body), 7)
		w := httptest.NewRecorder()

		service.StartTrip(w, r)

		assert.Equal(t, http.StatusCreated, w.Code)
		var trip map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trip))
		assert.Equal(t, "ACTIVE", trip["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a second active trip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(7).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		service := NewTripService(db, NewLedgerService(db))
		body := bytes.NewBufferString(`{"busId": "BUS-1", "routeId": "RT-1"}`)
		r := withUser(httptest.NewRequest("POST", "/trips", body), 7)
		w := httptest.NewRecorder()

		service.StartTrip(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "already has an active trip")
	})

	t.Run("requires bus and route", func(t *testing.T) {
		service := NewTripService(nil, nil)
		body := bytes.NewBufferString(`{"busId": "BUS-1"}`)
		r := withUser(httptest.NewRequest("POST", "/trips", body), 7)
		w := httptest.NewRecorder()

		service.StartTrip(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTripService_EndTrip(t *testing.T) {
	t.Run("completes an active trip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`UPDATE trips SET status = \$1, ended_at = \$2 WHERE trip_id = \$3 AND status = \$4`).
			WithArgs("COMPLETED", sqlmock.AnyArg(), "TRIP-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewTripService(db, NewLedgerService(db))
		w := httptest.NewRecorder()

		service.EndTrip(w, tripRequest("PUT", "/trips/TRIP-1/end", "TRIP-1", nil, 7))

		assert.Equal(t, http.StatusOK, w.Code)
		var response map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "COMPLETED", response["status"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ending twice loses the race", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`UPDATE trips SET status = \$1, ended_at = \$2 WHERE trip_id = \$3 AND status = \$4`).
			WithArgs("COMPLETED", sqlmock.AnyArg(), "TRIP-1", "ACTIVE").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM trips").
			WithArgs("TRIP-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

		service := NewTripService(db, NewLedgerService(db))
		w := httptest.NewRecorder()

		service.EndTrip(w, tripRequest("PUT", "/trips/TRIP-1/end", "TRIP-1", nil, 7))

		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown trip gets 404", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec(`UPDATE trips SET status = \$1, ended_at = \$2 WHERE trip_id = \$3 AND status = \$4`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT status FROM trips").
			WithArgs("TRIP-404").
			WillReturnError(sql.ErrNoRows)

		service := NewTripService(db, NewLedgerService(db))
		w := httptest.NewRecorder()

		service.EndTrip(w, tripRequest("PUT", "/trips/TRIP-404/end", "TRIP-404", nil, 7))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestTripService_BoardPassenger(t *testing.T) {
	t.Run("records boarding and bumps counters", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT status FROM trips").
			WithArgs("TRIP-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("ACTIVE"))
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO boardings").
			WithArgs("TRIP-1", 42, "ticket", int64(5000), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectExec("UPDATE trips SET passenger_count").
			WithArgs(int64(5000), "TRIP-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		service := NewTripService(db, NewLedgerService(db))
		body := bytes.NewBufferString(`{"userId": 42, "method": "ticket", "fare": 5000}`)
		w := httptest.NewRecorder()

		service.BoardPassenger(w, tripRequest("POST", "/trips/TRIP-1/board", "TRIP-1", body, 7))

		assert.Equal(t, http.StatusCreated, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects boarding a completed trip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT status FROM trips").
			WithArgs("TRIP-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

		service := NewTripService(db, NewLedgerService(db))
		body := bytes.NewBufferString(`{"userId": 42, "method": "nfc", "fare": 5000}`)
		w := httptest.NewRecorder()

		service.BoardPassenger(w, tripRequest("POST", "/trips/TRIP-1/board", "TRIP-1", body, 7))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "not active")
	})

	t.Run("rejects an unknown boarding method", func(t *testing.T) {
		service := NewTripService(nil, nil)
		body := bytes.NewBufferString(`{"userId": 42, "method": "cash", "fare": 5000}`)
		w := httptest.NewRecorder()

		service.BoardPassenger(w, tripRequest("POST", "/trips/TRIP-1/board", "TRIP-1", body, 7))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestTripService_AlightPassenger(t *testing.T) {
	t.Run("marks the boarding", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE boardings SET alighted_at").
			WithArgs("TRIP-1", "42").
			WillReturnResult(sqlmock.NewResult(0, 1))

		service := NewTripService(db, NewLedgerService(db))
		r := httptest.NewRequest("PUT", "/trips/TRIP-1/alight/42", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("tripId", "TRIP-1")
		rctx.URLParams.Add("userId", "42")
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		w := httptest.NewRecorder()

		service.AlightPassenger(w, r)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown boarding gets 404", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("UPDATE boardings SET alighted_at").
			WillReturnResult(sqlmock.NewResult(0, 0))

		service := NewTripService(db, NewLedgerService(db))
		r := httptest.NewRequest("PUT", "/trips/TRIP-1/alight/99", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("tripId", "TRIP-1")
		rctx.URLParams.Add("userId", "99")
		r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
		w := httptest.NewRecorder()

		service.AlightPassenger(w, r)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
