package models

import (
	"time"

	"github.com/lib/pq"
)

// Bus statuses
const (
	BusStatusActive      = "ACTIVE"
	BusStatusMaintenance = "MAINTENANCE"
	BusStatusRetired     = "RETIRED"
)

// Bus represents a fleet vehicle.
type Bus struct {
	BusID        string    `json:"bus_id" db:"bus_id"`
	PlateNumber  string    `json:"plate_number" db:"plate_number"`
	Model        string    `json:"model" db:"model"`
	Manufacturer string    `json:"manufacturer,omitempty" db:"manufacturer"`
	Year         int       `json:"year,omitempty" db:"year"`
	Capacity     int       `json:"capacity" db:"capacity"`
	Status       string    `json:"status" db:"status"`
	FuelType     string    `json:"fuel_type" db:"fuel_type"`
	Mileage      int       `json:"mileage" db:"mileage"` // km
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Route is a transit line with ordered stops.
type Route struct {
	RouteID           string    `json:"route_id" db:"route_id"`
	Name              string    `json:"name" db:"name"`
	Code              string    `json:"code" db:"code"` // Ex: "L1", "L2"
	Description       string    `json:"description,omitempty" db:"description"`
	Color             string    `json:"color" db:"color"`
	Price             int64     `json:"price" db:"price"` // single-ride fare, centimes
	EstimatedDuration int       `json:"estimated_duration" db:"estimated_duration"` // minutes
	TotalDistance     float64   `json:"total_distance" db:"total_distance"`         // km
	IsActive          bool      `json:"is_active" db:"is_active"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
	Stops             []Stop    `json:"stops,omitempty"`
}

// Stop is one stop on a route, ordered by StopOrder.
type Stop struct {
	RouteID       string  `json:"route_id" db:"route_id"`
	StopOrder     int     `json:"stop_order" db:"stop_order"`
	Name          string  `json:"name" db:"name"`
	Latitude      float64 `json:"latitude" db:"latitude"`
	Longitude     float64 `json:"longitude" db:"longitude"`
	EstimatedTime int     `json:"estimated_time" db:"estimated_time"` // minutes from departure
}

// Schedule is a recurring departure on a route.
type Schedule struct {
	ScheduleID    string         `json:"schedule_id" db:"schedule_id"`
	RouteID       string         `json:"route_id" db:"route_id"`
	DepartureTime string         `json:"departure_time" db:"departure_time"` // HH:MM
	Days          pq.StringArray `json:"days" db:"days"`                     // MON..SUN
	BusID         string         `json:"bus_id,omitempty" db:"bus_id"`
	DriverID      *int           `json:"driver_id,omitempty" db:"driver_id"`
	IsActive      bool           `json:"is_active" db:"is_active"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}
