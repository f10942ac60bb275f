package models

import (
	"time"
)

type BookingStatus string

const (
	BookingWaiting   BookingStatus = "waiting"
	BookingCompleted BookingStatus = "completed"
	BookingExpired   BookingStatus = "expired"
	BookingRemoved   BookingStatus = "removed"
)

// Booking mirrors a record of the "bookings" collection.
type Booking struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"client_id"`
	ResourceID string        `json:"resource_id"`
	Score      float64       `json:"score"`
	Status     BookingStatus `json:"status"`
	Created    time.Time     `json:"created"`
}

// BookingResult is returned to a client that submitted a booking.
type BookingResult struct {
	ClientID      string       `json:"client_id"`
	ResourceID    string       `json:"resource_id"`
	Score         float64      `json:"score"`
	AlreadyQueued bool         `json:"already_queued"`
	Queue         []QueueEntry `json:"queue"`
}
