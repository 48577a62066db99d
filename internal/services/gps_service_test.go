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
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limajs/transit-backend/internal/realtime"
)

func busRequest(method, path, busID string, userID int) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("busId", busID)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	if userID != 0 {
		r = withUser(r, userID)
	}
	return r
}

func TestGPSService_IngestPositions(t *testing.T) {
	t.Run("stores a batch and caches the latest sample", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		redisClient, redisMock := redismock.NewClientMock()

		recorded := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
		dbMock.ExpectBegin()
		dbMock.ExpectExec("INSERT INTO bus_positions").
			WithArgs("BUS-1", "RT-1", 7, 18.5392, -72.3364, 32.5, 90.0, 4.0, recorded).
			WillReturnResult(sqlmock.NewResult(1, 1))
		dbMock.ExpectExec("INSERT INTO bus_positions").
			WithArgs("BUS-1", "RT-1", 7, 18.5401, -72.3350, 30.0, 88.0, 5.0, recorded.Add(5*time.Second)).
			WillReturnResult(sqlmock.NewResult(2, 1))
		dbMock.ExpectCommit()
		redisMock.Regexp().ExpectSet("bus_position:BUS-1", `.+`, latestPositionTTL).SetVal("OK")

		service := NewGPSService(db, redisClient, realtime.NewHub())

		payload := map[string]any{
			"busId":   "BUS-1",
			"routeId": "RT-1",
			"positions": []map[string]any{
				{"latitude": 18.5392, "longitude": -72.3364, "speed": 32.5, "heading": 90.0, "accuracy": 4.0, "timestamp": recorded},
				{"latitude": 18.5401, "longitude": -72.3350, "speed": 30.0, "heading": 88.0, "accuracy": 5.0, "timestamp": recorded.Add(5 * time.Second)},
			},
		}
		raw, _ := json.Marshal(payload)
		r := withUser(httptest.NewRequest("POST", "/gps/positions", bytes.NewReader(raw)), 7)
		w := httptest.NewRecorder()

		service.IngestPositions(w, r)

		assert.Equal(t, http.StatusAccepted, w.Code)
		var response map[string]int
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, 2, response["accepted"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("rejects an empty batch", func(t *testing.T) {
		service := NewGPSService(nil, nil, nil)
		body := bytes.NewBufferString(`{"busId": "BUS-1", "positions": []}`)
		r := withUser(httptest.NewRequest("POST", "/gps/positions", body), 7)
		w := httptest.NewRecorder()

		service.IngestPositions(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects an out-of-range latitude", func(t *testing.T) {
		service := NewGPSService(nil, nil, nil)
		body := bytes.NewBufferString(`{"busId": "BUS-1", "positions": [{"latitude": 123.0, "longitude": -72.3}]}`)
		r := withUser(httptest.NewRequest("POST", "/gps/positions", body), 7)
		w := httptest.NewRecorder()

		service.IngestPositions(w, r)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("requires auth", func(t *testing.T) {
		service := NewGPSService(nil, nil, nil)
		body := bytes.NewBufferString(`{"busId": "BUS-1", "positions": [{"latitude": 18.5, "longitude": -72.3}]}`)
		r := httptest.NewRequest("POST", "/gps/positions", body)
		w := httptest.NewRecorder()

		service.IngestPositions(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestGPSService_GetBusPosition(t *testing.T) {
	t.Run("serves from the cache when warm", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		cached := `{"bus_id":"BUS-1","latitude":18.5392,"longitude":-72.3364}`
		redisMock.ExpectGet("bus_position:BUS-1").SetVal(cached)

		service := NewGPSService(nil, redisClient, nil)
		w := httptest.NewRecorder()

		service.GetBusPosition(w, busRequest("GET", "/gps/buses/BUS-1", "BUS-1", 0))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, cached, w.Body.String())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("falls back to the database on a cache miss", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		redisClient, redisMock := redismock.NewClientMock()

		redisMock.ExpectGet("bus_position:BUS-1").RedisNil()
		dbMock.ExpectQuery("SELECT id, bus_id").
			WithArgs("BUS-1").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "bus_id", "route_id", "driver_id", "latitude", "longitude",
				"speed", "heading", "accuracy", "recorded_at",
			}).AddRow(1, "BUS-1", "RT-1", 7, 18.5392, -72.3364, 32.5, 90.0, 4.0, time.Now()))

		service := NewGPSService(db, redisClient, nil)
		w := httptest.NewRecorder()

		service.GetBusPosition(w, busRequest("GET", "/gps/buses/BUS-1", "BUS-1", 0))

		assert.Equal(t, http.StatusOK, w.Code)
		var pos map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pos))
		assert.Equal(t, "BUS-1", pos["bus_id"])
		assert.NoError(t, dbMock.ExpectationsWereMet())
	})

	t.Run("unknown bus gets 404", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		redisClient, redisMock := redismock.NewClientMock()

		redisMock.ExpectGet("bus_position:BUS-404").RedisNil()
		dbMock.ExpectQuery("SELECT id, bus_id").
			WithArgs("BUS-404").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "bus_id", "route_id", "driver_id", "latitude", "longitude",
				"speed", "heading", "accuracy", "recorded_at",
			}))

		service := NewGPSService(db, redisClient, nil)
		w := httptest.NewRecorder()

		service.GetBusPosition(w, busRequest("GET", "/gps/buses/BUS-404", "BUS-404", 0))

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestGPSService_GetRoutePositions(t *testing.T) {
	db, dbMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	dbMock.ExpectQuery("SELECT DISTINCT ON \\(bus_id\\)").
		WithArgs("RT-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "bus_id", "route_id", "driver_id", "latitude", "longitude",
			"speed", "heading", "accuracy", "recorded_at",
		}).
			AddRow(1, "BUS-1", "RT-1", 7, 18.5392, -72.3364, 32.5, 90.0, 4.0, time.Now()).
			AddRow(2, "BUS-2", "RT-1", 8, 18.5500, -72.3400, 28.0, 270.0, 6.0, time.Now()))

	service := NewGPSService(db, nil, nil)
	r := httptest.NewRequest("GET", "/gps/routes/RT-1", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("routeId", "RT-1")
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	service.GetRoutePositions(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(2), response["count"])
	assert.NoError(t, dbMock.ExpectationsWereMet())
}
