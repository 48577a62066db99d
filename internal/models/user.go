package models

import "time"

// User roles
const (
	RoleRider  = "rider"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

type User struct {
	ID             int        `json:"id" example:"1"`                      // User ID
	Email          string     `json:"email" example:"user@example.com"`    // User email
	FirstName      string     `json:"firstName" example:"Jean"`            // User first name
	LastName       string     `json:"lastName" example:"Baptiste"`         // User last name
	PhoneNumber    string     `json:"phoneNumber" example:"+50937123456"`  // User phone number
	Role           string     `json:"role" example:"rider"`                // rider, driver or admin
	DeviceToken    string     `json:"device_token,omitempty"`              // FCM device token
	DevicePlatform string     `json:"device_platform,omitempty"`           // android, ios or web
	PhoneVerified  bool       `json:"phoneVerified"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}
