// Package models defines the core data structures for TicketPipe.
//
// It includes inbound events, outbound messages, dialogue state and completed bookings,
// which are shared across modules.
package models

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// EventType tags an inbound event delivered by a messaging service.
type EventType string

const (
	// EventTypeMessageNew is a new text message from a user. It is the only processed type.
	EventTypeMessageNew EventType = "message_new"
	// EventTypeReceipt is a delivery or read receipt.
	EventTypeReceipt EventType = "receipt"
	// EventTypeOther covers everything else the platform reports.
	EventTypeOther EventType = "other"
)

// Validation constants for inbound and outbound messages
const (
	// MaxMessageTextLength defines the maximum accepted length of inbound text in characters
	MaxMessageTextLength = 4096
	// MaxImageSize defines the maximum size of an image attachment in bytes
	MaxImageSize = 5 << 20
)

// Error variables for better error handling and testability
var (
	ErrEmptySender       = errors.New("sender cannot be empty")
	ErrEmptyMessage      = errors.New("message must contain text or an image")
	ErrMessageTooLong    = errors.New("message text exceeds maximum length")
	ErrImageTooLarge     = errors.New("image exceeds maximum size")
	ErrUnknownScenario   = errors.New("unknown scenario")
	ErrUnknownStep       = errors.New("unknown step")
	ErrBookingIncomplete = errors.New("booking context is incomplete")
)

// Event is a single inbound event pulled from a messaging service feed.
type Event struct {
	Type      EventType `json:"type"`
	MessageID string    `json:"message_id,omitempty"` // platform message id, used for dedup
	From      string    `json:"from"`
	Text      string    `json:"text,omitempty"`
	Time      int64     `json:"time"`
}

// Validate checks that a message event can be processed.
func (e *Event) Validate() error {
	if strings.TrimSpace(e.From) == "" {
		return ErrEmptySender
	}
	if utf8.RuneCountInString(e.Text) > MaxMessageTextLength {
		return ErrMessageTooLong
	}
	return nil
}

// OutboundMessage is a message to a single user: text, an image, or both.
// When both are present the text is sent first.
type OutboundMessage struct {
	Text  string `json:"text,omitempty"`
	Image []byte `json:"image,omitempty"` // PNG bytes
}

// Validate checks that the message carries something to send.
func (m *OutboundMessage) Validate() error {
	if m.Text == "" && len(m.Image) == 0 {
		return ErrEmptyMessage
	}
	if len(m.Image) > MaxImageSize {
		return ErrImageTooLarge
	}
	return nil
}

// HasImage reports whether the message carries an image attachment.
func (m *OutboundMessage) HasImage() bool {
	return len(m.Image) > 0
}
