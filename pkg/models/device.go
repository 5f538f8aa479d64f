package models

import "time"

// Device is a lender's machine offered for hourly rent
type Device struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Name        string    `json:"deviceName"`
	Price       float64   `json:"price"`
	IsAvailable bool      `json:"isAvailable"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateDeviceRequest registers a device for the calling owner
type CreateDeviceRequest struct {
	Name        string  `json:"deviceName"`
	Price       float64 `json:"price"`
	IsAvailable *bool   `json:"isAvailable,omitempty"`
}
