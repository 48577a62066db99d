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

type FleetService struct {
	db        *sql.DB
	validator *ValidationHelper
}

// BusRequest represents a bus create/update payload
// @Description Fleet vehicle payload
type BusRequest struct {
	PlateNumber  string `json:"plateNumber" validate:"required" example:"AA-12345"`
	Model        string `json:"model" validate:"required" example:"Coaster"`
	Manufacturer string `json:"manufacturer,omitempty" example:"Toyota"`
	Year         int    `json:"year,omitempty" validate:"omitempty,gte=1990" example:"2021"`
	Capacity     int    `json:"capacity" validate:"required,gt=0" example:"30"`
	FuelType     string `json:"fuelType" validate:"required,oneof=DIESEL GASOLINE ELECTRIC" example:"DIESEL"`
	Mileage      int    `json:"mileage" validate:"gte=0" example:"85000"`
}

func NewFleetService(db *sql.DB) *FleetService {
	return &FleetService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// CreateBus registers a new fleet vehicle
// @Summary Register a bus
// @Description Register a new fleet vehicle (admin only)
// @Tags fleet
// @Accept json
// @Produce json
// @Param bus body BusRequest true "Bus data"
// @Success 201 {object} models.Bus
// @Failure 400 {string} string "Invalid request"
// @Failure 409 {string} string "Plate number already registered"
// @Router /admin/buses [post]
func (fs *FleetService) CreateBus(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req BusRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := fs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	bus := models.Bus{
		BusID:        fmt.Sprintf("BUS-%s", uuid.New().String()),
		PlateNumber:  req.PlateNumber,
		Model:        req.Model,
		Manufacturer: req.Manufacturer,
		Year:         req.Year,
		Capacity:     req.Capacity,
		Status:       models.BusStatusActive,
		FuelType:     req.FuelType,
		Mileage:      req.Mileage,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := fs.db.Exec(`
		INSERT INTO buses (bus_id, plate_number, model, manufacturer, year, capacity, status, fuel_type, mileage, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, bus.BusID, bus.PlateNumber, bus.Model, bus.Manufacturer, bus.Year, bus.Capacity,
		bus.Status, bus.FuelType, bus.Mileage, bus.CreatedAt, bus.UpdatedAt)
	if err != nil {
		log.Printf("[FLEET] Failed to create bus %s: %v", req.PlateNumber, err)
		http.Error(w, "Plate number already registered", http.StatusConflict)
		return
	}

	log.Printf("[FLEET] Bus %s registered (%s)", bus.BusID, bus.PlateNumber)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(bus)
}

// ListBuses lists the fleet
// @Summary List buses
// @Description List fleet vehicles, optionally filtered by status
// @Tags fleet
// @Produce json
// @Param status query string false "Filter by status (ACTIVE, MAINTENANCE, RETIRED)"
// @Success 200 {object} object{buses=[]models.Bus,count=int}
// @Router /buses [get]
func (fs *FleetService) ListBuses(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	query := `
		SELECT bus_id, plate_number, model, COALESCE(manufacturer, ''), COALESCE(year, 0), capacity, status, fuel_type, mileage, created_at, updated_at
		FROM buses
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := fs.db.Query(query, args...)
	if err != nil {
		log.Printf("[FLEET] Failed to list buses: %v", err)
		http.Error(w, "Failed to fetch buses", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	buses := []models.Bus{}
	for rows.Next() {
		var b models.Bus
		if err := rows.Scan(&b.BusID, &b.PlateNumber, &b.Model, &b.Manufacturer, &b.Year,
			&b.Capacity, &b.Status, &b.FuelType, &b.Mileage, &b.CreatedAt, &b.UpdatedAt); err != nil {
			log.Printf("[FLEET] Failed to scan bus row: %v", err)
			http.Error(w, "Failed to fetch buses", http.StatusInternalServerError)
			return
		}
		buses = append(buses, b)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"buses": buses,
		"count": len(buses),
	})
}

// GetBus fetches one bus
// @Summary Get bus by ID
// @Description Retrieve a fleet vehicle by its ID
// @Tags fleet
// @Produce json
// @Param busId path string true "Bus ID"
// @Success 200 {object} models.Bus
// @Failure 404 {string} string "Bus not found"
// @Router /buses/{busId} [get]
func (fs *FleetService) GetBus(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "busId")

	var b models.Bus
	err := fs.db.QueryRow(`
		SELECT bus_id, plate_number, model, COALESCE(manufacturer, ''), COALESCE(year, 0), capacity, status, fuel_type, mileage, created_at, updated_at
		FROM buses WHERE bus_id = $1
	`, busID).Scan(&b.BusID, &b.PlateNumber, &b.Model, &b.Manufacturer, &b.Year,
		&b.Capacity, &b.Status, &b.FuelType, &b.Mileage, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "Bus not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to fetch bus", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// UpdateBusStatus changes a vehicle's operational status
// @Summary Update bus status
// @Description Move a bus between ACTIVE, MAINTENANCE and RETIRED (admin only)
// @Tags fleet
// @Accept json
// @Produce json
// @Param busId path string true "Bus ID"
// @Param request body object{status=string} true "New status"
// @Success 200 {object} object{busId=string,status=string}
// @Failure 400 {string} string "Invalid status"
// @Failure 404 {string} string "Bus not found"
// @Router /admin/buses/{busId}/status [put]
func (fs *FleetService) UpdateBusStatus(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "busId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=ACTIVE MAINTENANCE RETIRED"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1_048_576))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := fs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := fs.db.Exec("UPDATE buses SET status = $1, updated_at = NOW() WHERE bus_id = $2", req.Status, busID)
	if err != nil {
		log.Printf("[FLEET] Failed to update bus %s: %v", busID, err)
		http.Error(w, "Failed to update bus", http.StatusInternalServerError)
		return
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		http.Error(w, "Bus not found", http.StatusNotFound)
		return
	}

	log.Printf("[FLEET] Bus %s status changed to %s", busID, req.Status)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"busId": busID, "status": req.Status})
}
