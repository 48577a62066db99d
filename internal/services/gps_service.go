package services

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"

	"github.com/limajs/transit-backend/internal/models"
	"github.com/limajs/transit-backend/internal/realtime"
)

// latestPositionTTL bounds how long a cached position is served after a bus
// stops reporting.
const latestPositionTTL = 5 * time.Minute

type GPSService struct {
	db        *sql.DB
	redis     *redis.Client
	hub       *realtime.Hub
	validator *ValidationHelper
}

// PositionBatchRequest is a batch of GPS samples from a driver's device
// @Description GPS position batch
type PositionBatchRequest struct {
	BusID     string            `json:"busId" validate:"required" example:"BUS-1"`
	RouteID   string            `json:"routeId,omitempty" example:"RT-1"`
	Positions []models.Position `json:"positions" validate:"required,min=1,max=100,dive"`
}

func NewGPSService(db *sql.DB, redisClient *redis.Client, hub *realtime.Hub) *GPSService {
	return &GPSService{
		db:        db,
		redis:     redisClient,
		hub:       hub,
		validator: NewValidationHelper(),
	}
}

// IngestPositions stores a batch of GPS samples
// @Summary Report bus positions
// @Description Store a batch of GPS samples for a bus and broadcast the latest one to route subscribers
// @Tags gps
// @Accept json
// @Produce json
// @Param request body PositionBatchRequest true "Position batch"
// @Success 202 {object} object{accepted=int}
// @Failure 400 {string} string "Invalid request"
// @Failure 401 {string} string "Unauthorized"
// @Router /gps/positions [post]
func (gs *GPSService) IngestPositions(w http.ResponseWriter, r *http.Request) {
	driverID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req PositionBatchRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := gs.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	tx, err := gs.db.Begin()
	if err != nil {
		log.Printf("[GPS] Failed to begin transaction: %v", err)
		http.Error(w, "Failed to store positions", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	for _, p := range req.Positions {
		recordedAt := p.Timestamp
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}
		_, err := tx.Exec(`
			INSERT INTO bus_positions (bus_id, route_id, driver_id, latitude, longitude, speed, heading, accuracy, recorded_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9)
		`, req.BusID, req.RouteID, driverID, p.Latitude, p.Longitude, p.Speed, p.Heading, p.Accuracy, recordedAt)
		if err != nil {
			log.Printf("[GPS] Failed to store position for bus %s: %v", req.BusID, err)
			http.Error(w, "Failed to store positions", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[GPS] Failed to commit positions for bus %s: %v", req.BusID, err)
		http.Error(w, "Failed to store positions", http.StatusInternalServerError)
		return
	}

	latest := req.Positions[len(req.Positions)-1]
	if latest.Timestamp.IsZero() {
		latest.Timestamp = time.Now()
	}
	gs.cacheLatest(r, req.BusID, req.RouteID, driverID, latest)

	if gs.hub != nil && req.RouteID != "" {
		gs.hub.BroadcastRoute(req.RouteID, map[string]interface{}{
			"type":      "gps_update",
			"busId":     req.BusID,
			"routeId":   req.RouteID,
			"latitude":  latest.Latitude,
			"longitude": latest.Longitude,
			"speed":     latest.Speed,
			"heading":   latest.Heading,
			"timestamp": latest.Timestamp,
		})
	}

	log.Printf("[GPS] Stored %d positions for bus %s", len(req.Positions), req.BusID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(req.Positions)})
}

func (gs *GPSService) cacheLatest(r *http.Request, busID, routeID string, driverID int, p models.Position) {
	cached := models.BusPosition{
		BusID:      busID,
		RouteID:    routeID,
		DriverID:   driverID,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Speed:      p.Speed,
		Heading:    p.Heading,
		Accuracy:   p.Accuracy,
		RecordedAt: p.Timestamp,
	}
	raw, err := json.Marshal(cached)
	if err != nil {
		return
	}
	if err := gs.redis.Set(r.Context(), "bus_position:"+busID, raw, latestPositionTTL).Err(); err != nil {
		// The sample is already in the database, so a cache miss only
		// delays the map view.
		log.Printf("[GPS] Failed to cache position for bus %s: %v", busID, err)
	}
}

// GetBusPosition fetches the latest known position of a bus
// @Summary Get latest bus position
// @Description Retrieve the most recent GPS sample for a bus
// @Tags gps
// @Produce json
// @Param busId path string true "Bus ID"
// @Success 200 {object} models.BusPosition
// @Failure 404 {string} string "No recent position"
// @Router /gps/buses/{busId} [get]
func (gs *GPSService) GetBusPosition(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "busId")

	raw, err := gs.redis.Get(r.Context(), "bus_position:"+busID).Result()
	if err == nil {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(raw))
		return
	}
	if err != redis.Nil {
		log.Printf("[GPS] Position cache read failed for bus %s: %v", busID, err)
	}

	var pos models.BusPosition
	err = gs.db.QueryRow(`
		SELECT id, bus_id, COALESCE(route_id, ''), driver_id, latitude, longitude, speed, heading, accuracy, recorded_at
		FROM bus_positions
		WHERE bus_id = $1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, busID).Scan(&pos.ID, &pos.BusID, &pos.RouteID, &pos.DriverID, &pos.Latitude, &pos.Longitude,
		&pos.Speed, &pos.Heading, &pos.Accuracy, &pos.RecordedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			http.Error(w, "No recent position for this bus", http.StatusNotFound)
		} else {
			log.Printf("[GPS] Position lookup failed for bus %s: %v", busID, err)
			http.Error(w, "Failed to fetch position", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// GetRoutePositions lists the latest position of every bus active on a route
// @Summary Get route bus positions
// @Description Retrieve the latest position of each bus that reported on a route recently
// @Tags gps
// @Produce json
// @Param routeId path string true "Route ID"
// @Success 200 {object} object{positions=[]models.BusPosition,count=int}
// @Router /gps/routes/{routeId} [get]
func (gs *GPSService) GetRoutePositions(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeId")

	rows, err := gs.db.Query(`
		SELECT DISTINCT ON (bus_id)
			id, bus_id, COALESCE(route_id, ''), driver_id, latitude, longitude, speed, heading, accuracy, recorded_at
		FROM bus_positions
		WHERE route_id = $1 AND recorded_at > NOW() - INTERVAL '10 minutes'
		ORDER BY bus_id, recorded_at DESC
	`, routeID)
	if err != nil {
		log.Printf("[GPS] Route position query failed for %s: %v", routeID, err)
		http.Error(w, "Failed to fetch positions", http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	positions := []models.BusPosition{}
	for rows.Next() {
		var pos models.BusPosition
		if err := rows.Scan(&pos.ID, &pos.BusID, &pos.RouteID, &pos.DriverID, &pos.Latitude, &pos.Longitude,
			&pos.Speed, &pos.Heading, &pos.Accuracy, &pos.RecordedAt); err != nil {
			log.Printf("[GPS] Failed to scan position row: %v", err)
			http.Error(w, "Failed to fetch positions", http.StatusInternalServerError)
			return
		}
		positions = append(positions, pos)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}
