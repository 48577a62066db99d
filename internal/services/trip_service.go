package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/limajs/transit-backend/internal/models"
)

type TripService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
}

// StartTripRequest represents a trip start payload
// @Description Trip start request
type StartTripRequest struct {
	BusID      string `json:"busId" validate:"required" example:"BUS-1"`
	RouteID    string `json:"routeId" validate:"required" example:"RT-1"`
	ScheduleID string `json:"scheduleId,omitempty" example:"SCH-1"`
}

// BoardRequest records a passenger boarding
// @Description Passenger boarding request
type BoardRequest struct {
	UserID int    `json:"userId" validate:"required,gt=0" example:"42"`
	Method string `json:"method" validate:"required,oneof=ticket nfc" example:"ticket"`
	Fare   int64  `json:"fare" validate:"gte=0" example:"5000"`
}

func NewTripService(db *sql.DB, ledger *LedgerService) *TripService {
	return &TripService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// StartTrip opens a trip for the authenticated driver
// @Summary Start a trip
// @Description Start a run of a bus along a route. A driver can have one active trip at a time.
// @Tags trips
// @Accept json
// @Produce json
// @Param request body StartTripRequest true "Trip start data"
// @Success 201 {object} models.Trip
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Unauthorized"
// @Failure 409 {string} string "Driver already has an active trip"
// @Router /trips [post]
func (ts *TripService) StartTrip(w http.ResponseWriter, r *http.Request) {
	driverID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req StartTripRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var active bool
	if err := ts.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM trips WHERE driver_id = $1 AND status = 'ACTIVE')", driverID).Scan(&active); err != nil {
		log.Printf("[TRIP] Active trip check failed for driver %d: %v", driverID, err)
		http.Error(w, "Failed to start trip", http.StatusInternalServerError)
		return
	}
	if active {
		http.Error(w, "Driver already has an active trip", http.StatusConflict)
		return
	}

	trip := models.Trip{
		TripID:     fmt.Sprintf("TRIP-%s", uuid.New().String()),
		BusID:      req.BusID,
		RouteID:    req.RouteID,
		ScheduleID: req.ScheduleID,
		DriverID:   driverID,
		Status:     models.TripStatusActive,
		StartedAt:  time.Now(),
	}

	_, err := ts.db.Exec(`
		INSERT INTO trips (trip_id, bus_id, route_id, schedule_id, driver_id, status, started_at, passenger_count, total_revenue)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0)
	`, trip.TripID, trip.BusID, trip.RouteID, trip.ScheduleID, trip.DriverID, trip.Status, trip.StartedAt)
	if err != nil {
		log.Printf("[TRIP] Failed to start trip for driver %d: %v", driverID, err)
		http.Error(w, "Failed to start trip", http.StatusInternalServerError)
		return
	}

	log.Printf("[TRIP] Trip %s started by driver %d on route %s", trip.TripID, driverID, req.RouteID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(trip)
}

// EndTrip completes an active trip
// @Summary End a trip
// @Description Complete an active trip. A trip can be completed exactly once.
// @Tags trips
// @Produce json
// @Param tripId path string true "Trip ID"
// @Success 200 {object} object{tripId=string,status=string}
// @Failure 400 {string} string "Trip already completed"
// @Failure 404 {string} string "Trip not found"
// @Failure 409 {string} string "Trip ended concurrently"
// @Router /trips/{tripId}/end [put]
func (ts *TripService) EndTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")

	now := time.Now()
	res, err := ts.ledger.ApplyTransition(r.Context(), TransitionRequest{
		Kind:           KindTrip,
		EntityID:       tripID,
		ExpectedStatus: models.TripStatusActive,
		NewStatus:      models.TripStatusCompleted,
		Extra: []SetClause{
			{Column: "ended_at", Value: now},
		},
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	log.Printf("[TRIP] Trip %s completed", tripID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"tripId": tripID, "status": res.NewStatus})
}

// BoardPassenger records a passenger boarding
// @Summary Board a passenger
// @Description Record a passenger boarding an active trip
// @Tags trips
// @Accept json
// @Produce json
// @Param tripId path string true "Trip ID"
// @Param request body BoardRequest true "Boarding data"
// @Success 201 {object} models.Boarding
// @Failure 400 {string} string "Trip is not active"
// @Failure 404 {string} string "Trip not found"
// @Router /trips/{tripId}/board [post]
func (ts *TripService) BoardPassenger(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")

	var req BoardRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var status string
	err := ts.db.QueryRow("SELECT status FROM trips WHERE trip_id = $1", tripID).Scan(&status)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Trip not found", http.StatusNotFound)
		} else {
			log.Printf("[TRIP] Trip lookup failed for %s: %v", tripID, err)
			http.Error(w, "Failed to record boarding", http.StatusInternalServerError)
		}
		return
	}
	if status != models.TripStatusActive {
		http.Error(w, "Trip is not active", http.StatusBadRequest)
		return
	}

	boarding := models.Boarding{
		TripID:    tripID,
		UserID:    req.UserID,
		Method:    req.Method,
		Fare:      req.Fare,
		BoardedAt: time.Now(),
	}

	tx, err := ts.db.Begin()
	if err != nil {
		log.Printf("[TRIP] Failed to begin transaction: %v", err)
		http.Error(w, "Failed to record boarding", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	err = tx.QueryRow(`
		INSERT INTO boardings (trip_id, user_id, method, fare, boarded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, boarding.TripID, boarding.UserID, boarding.Method, boarding.Fare, boarding.BoardedAt).Scan(&boarding.ID)
	if err != nil {
		log.Printf("[TRIP] Failed to record boarding on %s: %v", tripID, err)
		http.Error(w, "Failed to record boarding", http.StatusInternalServerError)
		return
	}

	_, err = tx.Exec(`
		UPDATE trips SET passenger_count = passenger_count + 1, total_revenue = total_revenue + $1
		WHERE trip_id = $2
	`, req.Fare, tripID)
	if err != nil {
		log.Printf("[TRIP] Failed to update trip counters on %s: %v", tripID, err)
		http.Error(w, "Failed to record boarding", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[TRIP] Failed to commit boarding on %s: %v", tripID, err)
		http.Error(w, "Failed to record boarding", http.StatusInternalServerError)
		return
	}

	log.Printf("[TRIP] User %d boarded trip %s via %s", req.UserID, tripID, req.Method)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(boarding)
}

// AlightPassenger records a passenger getting off
// @Summary Alight a passenger
// @Description Record a passenger leaving a trip
// @Tags trips
// @Produce json
// @Param tripId path string true "Trip ID"
// @Param userId path int true "User ID"
// @Success 200 {object} object{success=bool}
// @Failure 404 {string} string "Boarding not found"
// @Router /trips/{tripId}/alight/{userId} [put]
func (ts *TripService) AlightPassenger(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	userID := chi.URLParam(r, "userId")

	result, err := ts.db.Exec(`
		UPDATE boardings SET alighted_at = NOW()
		WHERE trip_id = $1 AND user_id = $2::integer AND alighted_at IS NULL
	`, tripID, userID)
	if err != nil {
		log.Printf("[TRIP] Failed to record alighting on %s: %v", tripID, err)
		http.Error(w, "Failed to record alighting", http.StatusInternalServerError)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		http.Error(w, "Boarding not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// GetTrip fetches one trip with its boardings
// @Summary Get trip by ID
// @Description Retrieve a trip and its passenger boardings
// @Tags trips
// @Produce json
// @Param tripId path string true "Trip ID"
// @Success 200 {object} object{trip=models.Trip,boardings=[]models.Boarding}
// @Failure 404 {string} string "Trip not found"
// @Router /trips/{tripId} [get]
func (ts *TripService) GetTrip(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")

	var trip models.Trip
	err := ts.db.QueryRow(`
		SELECT trip_id, bus_id, route_id, COALESCE(schedule_id, ''), driver_id, status, started_at, ended_at, passenger_count, total_revenue
		FROM trips WHERE trip_id = $1
	`, tripID).Scan(&trip.TripID, &trip.BusID, &trip.RouteID, &trip.ScheduleID, &trip.DriverID,
		&trip.Status, &trip.StartedAt, &trip.EndedAt, &trip.PassengerCount, &trip.TotalRevenue)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Trip not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch trip", http.StatusInternalServerError)
		}
		return
	}

	rows, err := ts.db.Query(`
		SELECT id, trip_id, user_id, method, fare, boarded_at, alighted_at
		FROM boardings WHERE trip_id = $1
		ORDER BY boarded_at
	`, tripID)
	if err != nil {
		log.Printf("[TRIP] Failed to fetch boardings for %s: %v", tripID, err)
		http.Error(w, "Failed to fetch trip", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	boardings := []models.Boarding{}
	for rows.Next() {
		var b models.Boarding
		if err := rows.Scan(&b.ID, &b.TripID, &b.UserID, &b.Method, &b.Fare, &b.BoardedAt, &b.AlightedAt); err != nil {
			log.Printf("[TRIP] Failed to scan boarding row: %v", err)
			http.Error(w, "Failed to fetch trip", http.StatusInternalServerError)
			return
		}
		boardings = append(boardings, b)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"trip":      trip,
		"boardings": boardings,
	})
}

// GetDriverTrips lists the authenticated driver's trips
// @Summary List driver trips
// @Description List the authenticated driver's trips, newest first
// @Tags trips
// @Produce json
// @Success 200 {object} object{trips=[]models.Trip,count=int}
// @Failure 401 {string} string "Unauthorized"
// @Router /trips [get]
func (ts *TripService) GetDriverTrips(w http.ResponseWriter, r *http.Request) {
	driverID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := ts.db.Query(`
		SELECT trip_id, bus_id, route_id, COALESCE(schedule_id, ''), driver_id, status, started_at, ended_at, passenger_count, total_revenue
		FROM trips
		WHERE driver_id = $1
		ORDER BY started_at DESC
		LIMIT 50
	`, driverID)
	if err != nil {
		log.Printf("[TRIP] Failed to fetch trips for driver %d: %v", driverID, err)
		http.Error(w, "Failed to fetch trips", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	trips := []models.Trip{}
	for rows.Next() {
		var t models.Trip
		if err := rows.Scan(&t.TripID, &t.BusID, &t.RouteID, &t.ScheduleID, &t.DriverID,
			&t.Status, &t.StartedAt, &t.EndedAt, &t.PassengerCount, &t.TotalRevenue); err != nil {
			log.Printf("[TRIP] Failed to scan trip row: %v", err)
			http.Error(w, "Failed to fetch trips", http.StatusInternalServerError)
			return
		}
		trips = append(trips, t)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"trips": trips,
		"count": len(trips),
	})
}
