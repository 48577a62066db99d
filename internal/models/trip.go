package models

import "time"

// Trip statuses
const (
	TripStatusActive    = "ACTIVE"
	TripStatusCompleted = "COMPLETED"
)

// Trip is one run of a bus along a route by a driver.
type Trip struct {
	TripID         string     `json:"trip_id" db:"trip_id"`
	BusID          string     `json:"bus_id" db:"bus_id"`
	RouteID        string     `json:"route_id" db:"route_id"`
	ScheduleID     string     `json:"schedule_id" db:"schedule_id"`
	DriverID       int        `json:"driver_id" db:"driver_id"`
	Status         string     `json:"status" db:"status"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	PassengerCount int        `json:"passenger_count" db:"passenger_count"`
	TotalRevenue   int64      `json:"total_revenue" db:"total_revenue"` // centimes
}

// Boarding methods
const (
	BoardingMethodTicket = "ticket"
	BoardingMethodNFC    = "nfc"
)

// Boarding records one passenger getting on (and later off) a trip.
type Boarding struct {
	ID         int        `json:"id" db:"id"`
	TripID     string     `json:"trip_id" db:"trip_id"`
	UserID     int        `json:"user_id" db:"user_id"`
	Method     string     `json:"method" db:"method"`
	Fare       int64      `json:"fare" db:"fare"`
	BoardedAt  time.Time  `json:"boarded_at" db:"boarded_at"`
	AlightedAt *time.Time `json:"alighted_at,omitempty" db:"alighted_at"`
}
