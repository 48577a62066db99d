package models

import "time"

// Position is a single GPS sample reported by a driver's device.
type Position struct {
	Latitude  float64   `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"required,gte=-180,lte=180"`
	Speed     float64   `json:"speed,omitempty"`    // km/h
	Heading   float64   `json:"heading,omitempty"`  // degrees
	Accuracy  float64   `json:"accuracy,omitempty"` // meters
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// BusPosition is the stored form of a position sample, keyed by bus.
type BusPosition struct {
	ID         int       `json:"id" db:"id"`
	BusID      string    `json:"bus_id" db:"bus_id"`
	RouteID    string    `json:"route_id,omitempty" db:"route_id"`
	DriverID   int       `json:"driver_id" db:"driver_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Speed      float64   `json:"speed" db:"speed"`
	Heading    float64   `json:"heading" db:"heading"`
	Accuracy   float64   `json:"accuracy" db:"accuracy"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}
