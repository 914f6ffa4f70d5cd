// Package models defines the completed booking record.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Booking is the append-only record of a successfully completed ticket scenario.
type Booking struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Flight      string    `json:"flight"`
	Seats       int       `json:"seats"`
	Comment     string    `json:"comment"`
	Phone       string    `json:"phone"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewBooking builds a booking from an accumulated context. It fails when a
// required field was never collected.
func NewBooking(userID string, c BookingContext, now time.Time) (*Booking, error) {
	required := []struct{ name, value string }{
		{"origin", c.Origin},
		{"destination", c.Destination},
		{"date", c.Date},
		{"flight", c.Flight},
		{"phone", c.Phone},
	}
	for _, f := range required {
		if f.value == "" {
			return nil, fmt.Errorf("%w: %s", ErrBookingIncomplete, f.name)
		}
	}
	if c.Seats <= 0 {
		return nil, fmt.Errorf("%w: seats", ErrBookingIncomplete)
	}
	return &Booking{
		ID:          uuid.NewString(),
		UserID:      userID,
		Origin:      c.Origin,
		Destination: c.Destination,
		Date:        c.Date,
		Time:        c.Time,
		Flight:      c.Flight,
		Seats:       c.Seats,
		Comment:     c.Comment,
		Phone:       c.Phone,
		CreatedAt:   now,
	}, nil
}
