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
	"github.com/lib/pq"

	"github.com/limajs/transit-backend/internal/models"
)

type RouteService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// RouteRequest represents a route create payload
// @Description Transit line with ordered stops
type RouteRequest struct {
	Name              string        `json:"name" validate:"required" example:"Pétion-Ville - Centre-Ville"`
	Code              string        `json:"code" validate:"required" example:"L1"`
	Description       string        `json:"description,omitempty"`
	Color             string        `json:"color" validate:"required,hexcolor" example:"#E63946"`
	Price             int64         `json:"price" validate:"required,gt=0" example:"5000"`
	EstimatedDuration int           `json:"estimatedDuration" validate:"required,gt=0" example:"45"`
	TotalDistance     float64       `json:"totalDistance" validate:"required,gt=0" example:"12.5"`
	Stops             []StopRequest `json:"stops" validate:"required,min=2,dive"`
}

// StopRequest is one stop within a route payload
type StopRequest struct {
	Name          string  `json:"name" validate:"required" example:"Place Saint-Pierre"`
	Latitude      float64 `json:"latitude" validate:"required,latitude" example:"18.5125"`
	Longitude     float64 `json:"longitude" validate:"required,longitude" example:"-72.2853"`
	EstimatedTime int     `json:"estimatedTime" validate:"gte=0" example:"10"`
}

// ScheduleRequest represents a recurring departure payload
// @Description Recurring departure on a route
type ScheduleRequest struct {
	DepartureTime string   `json:"departureTime" validate:"required" example:"06:30"`
	Days          []string `json:"days" validate:"required,min=1,dive,oneof=MON TUE WED THU FRI SAT SUN"`
	BusID         string   `json:"busId,omitempty"`
	DriverID      *int     `json:"driverId,omitempty"`
}

func NewRouteService(db *sql.DB) *RouteService {
	return &RouteService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// CreateRoute creates a transit line with its stops
// @Summary Create a route
// @Description Create a transit line with its ordered stops (admin only)
// @Tags routes
// @Accept json
// @Produce json
// @Param route body RouteRequest true "Route data"
// @Success 201 {object} models.Route
// @Failure 400 {string} string "Invalid request"
// @Router /admin/routes [post]
func (rs *RouteService) CreateRoute(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req RouteRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	route := models.Route{
		RouteID:           fmt.Sprintf("RT-%s", uuid.New().String()),
		Name:              req.Name,
		Code:              req.Code,
		Description:       req.Description,
		Color:             req.Color,
		Price:             req.Price,
		EstimatedDuration: req.EstimatedDuration,
		TotalDistance:     req.TotalDistance,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := rs.db.Begin()
	if err != nil {
		log.Printf("[ROUTE] Failed to begin transaction: %v", err)
		http.Error(w, "Failed to create route", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO routes (route_id, name, code, description, color, price, estimated_duration, total_distance, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, route.RouteID, route.Name, route.Code, route.Description, route.Color, route.Price,
		route.EstimatedDuration, route.TotalDistance, route.IsActive, route.CreatedAt, route.UpdatedAt)
	if err != nil {
		log.Printf("[ROUTE] Failed to create route %s: %v", req.Code, err)
		http.Error(w, "Failed to create route", http.StatusInternalServerError)
		return
	}

	for i, stopReq := range req.Stops {
		stop := models.Stop{
			RouteID:       route.RouteID,
			StopOrder:     i + 1,
			Name:          stopReq.Name,
			Latitude:      stopReq.Latitude,
			Longitude:     stopReq.Longitude,
			EstimatedTime: stopReq.EstimatedTime,
		}
		_, err = tx.Exec(`
			INSERT INTO stops (route_id, stop_order, name, latitude, longitude, estimated_time)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, stop.RouteID, stop.StopOrder, stop.Name, stop.Latitude, stop.Longitude, stop.EstimatedTime)
		if err != nil {
			log.Printf("[ROUTE] Failed to create stop %d for route %s: %v", i+1, route.RouteID, err)
			http.Error(w, "Failed to create route", http.StatusInternalServerError)
			return
		}
		route.Stops = append(route.Stops, stop)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[ROUTE] Failed to commit route creation: %v", err)
		http.Error(w, "Failed to create route", http.StatusInternalServerError)
		return
	}

	log.Printf("[ROUTE] Route %s created (%s, %d stops)", route.RouteID, route.Code, len(route.Stops))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(route)
}

// ListRoutes lists active transit lines
// @Summary List routes
// @Description List active transit lines with their stops
// @Tags routes
// @Produce json
// @Success 200 {object} object{routes=[]models.Route,count=int}
// @Router /routes [get]
func (rs *RouteService) ListRoutes(w http.ResponseWriter, r *http.Request) {
	rows, err := rs.db.Query(`
		SELECT route_id, name, code, COALESCE(description, ''), color, price, estimated_duration, total_distance, is_active, created_at, updated_at
		FROM routes
		WHERE is_active = TRUE
		ORDER BY code
	`)
	if err != nil {
		log.Printf("[ROUTE] Failed to list routes: %v", err)
		http.Error(w, "Failed to fetch routes", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	routes := []models.Route{}
	for rows.Next() {
		var rt models.Route
		if err := rows.Scan(&rt.RouteID, &rt.Name, &rt.Code, &rt.Description, &rt.Color, &rt.Price,
			&rt.EstimatedDuration, &rt.TotalDistance, &rt.IsActive, &rt.CreatedAt, &rt.UpdatedAt); err != nil {
			log.Printf("[ROUTE] Failed to scan route row: %v", err)
			http.Error(w, "Failed to fetch routes", http.StatusInternalServerError)
			return
		}
		routes = append(routes, rt)
	}

	for i := range routes {
		stops, err := rs.fetchStops(routes[i].RouteID)
		if err != nil {
			log.Printf("[ROUTE] Failed to fetch stops for %s: %v", routes[i].RouteID, err)
			continue
		}
		routes[i].Stops = stops
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"routes": routes,
		"count":  len(routes),
	})
}

// GetRoute fetches one route with stops
// @Summary Get route by ID
// @Description Retrieve a transit line and its ordered stops
// @Tags routes
// @Produce json
// @Param routeId path string true "Route ID"
// @Success 200 {object} models.Route
// @Failure 404 {string} string "Route not found"
// @Router /routes/{routeId} [get]
func (rs *RouteService) GetRoute(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")

	var rt models.Route
	err := rs.db.QueryRow(`
		SELECT route_id, name, code, COALESCE(description, ''), color, price, estimated_duration, total_distance, is_active, created_at, updated_at
		FROM routes WHERE route_id = $1
	`, routeID).Scan(&rt.RouteID, &rt.Name, &rt.Code, &rt.Description, &rt.Color, &rt.Price,
		&rt.EstimatedDuration, &rt.TotalDistance, &rt.IsActive, &rt.CreatedAt, &rt.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Route not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch route", http.StatusInternalServerError)
		}
		return
	}

	stops, err := rs.fetchStops(routeID)
	if err != nil {
		log.Printf("[ROUTE] Failed to fetch stops for %s: %v", routeID, err)
	}
	rt.Stops = stops

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rt)
}

// CreateSchedule adds a recurring departure to a route
// @Summary Create a schedule
// @Description Add a recurring departure to a route (admin only)
// @Tags routes
// @Accept json
// @Produce json
// @Param routeId path string true "Route ID"
// @Param schedule body ScheduleRequest true "Schedule data"
// @Success 201 {object} models.Schedule
// @Failure 400 {string} string "Invalid request"
// @Failure 404 {string} string "Route not found"
// @Router /admin/routes/{routeId}/schedules [post]
func (rs *RouteService) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")

	var req ScheduleRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := rs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var exists bool
	if err := rs.db.QueryRow("SELECT EXISTS(SELECT 1 FROM routes WHERE route_id = $1)", routeID).Scan(&exists); err != nil || !exists {
		http.Error(w, "Route not found", http.StatusNotFound)
		return
	}

	now := time.Now()
	schedule := models.Schedule{
		ScheduleID:    fmt.Sprintf("SCH-%s", uuid.New().String()),
		RouteID:       routeID,
		DepartureTime: req.DepartureTime,
		Days:          pq.StringArray(req.Days),
		BusID:         req.BusID,
		DriverID:      req.DriverID,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	_, err := rs.db.Exec(`
		INSERT INTO schedules (schedule_id, route_id, departure_time, days, bus_id, driver_id, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, schedule.ScheduleID, schedule.RouteID, schedule.DepartureTime, schedule.Days,
		schedule.BusID, schedule.DriverID, schedule.IsActive, schedule.CreatedAt, schedule.UpdatedAt)
	if err != nil {
		log.Printf("[ROUTE] Failed to create schedule for %s: %v", routeID, err)
		http.Error(w, "Failed to create schedule", http.StatusInternalServerError)
		return
	}

	log.Printf("[ROUTE] Schedule %s created on route %s at %s", schedule.ScheduleID, routeID, req.DepartureTime)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(schedule)
}

// ListSchedules lists departures on a route
// @Summary List route schedules
// @Description List active recurring departures on a route
// @Tags routes
// @Produce json
// @Param routeId path string true "Route ID"
// @Success 200 {object} object{schedules=[]models.Schedule,count=int}
// @Router /routes/{routeId}/schedules [get]
func (rs *RouteService) ListSchedules(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")

	rows, err := rs.db.Query(`
		SELECT schedule_id, route_id, departure_time, days, COALESCE(bus_id, ''), driver_id, is_active, created_at, updated_at
		FROM schedules
		WHERE route_id = $1 AND is_active = TRUE
		ORDER BY departure_time
	`, routeID)
	if err != nil {
		log.Printf("[ROUTE] Failed to list schedules for %s: %v", routeID, err)
		http.Error(w, "Failed to fetch schedules", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	schedules := []models.Schedule{}
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ScheduleID, &s.RouteID, &s.DepartureTime, &s.Days,
			&s.BusID, &s.DriverID, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			log.Printf("[ROUTE] Failed to scan schedule row: %v", err)
			http.Error(w, "Failed to fetch schedules", http.StatusInternalServerError)
			return
		}
		schedules = append(schedules, s)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

func (rs *RouteService) fetchStops(routeID string) ([]models.Stop, error) {
	rows, err := rs.db.Query(`
		SELECT route_id, stop_order, name, latitude, longitude, estimated_time
		FROM stops
		WHERE route_id = $1
		ORDER BY stop_order
	`, routeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stops := []models.Stop{}
	for rows.Next() {
		var s models.Stop
		if err := rows.Scan(&s.RouteID, &s.StopOrder, &s.Name, &s.Latitude, &s.Longitude, &s.EstimatedTime); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, nil
}
