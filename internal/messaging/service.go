// Package messaging connects TicketPipe to messaging platforms.
//
// A Service delivers text and image messages and feeds inbound events into a channel,
// the Dispatcher consumes those events one at a time, and the outbox send function
// delivers queued replies with the user's display name prepended.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for event channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted canonical phone number
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendImage sends a PNG image as a separate message.
	SendImage(ctx context.Context, to string, data []byte) error

	// DisplayName returns the name the user is addressed by, or "" if unknown.
	DisplayName(ctx context.Context, userID string) (string, error)

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the events channel.
	Stop() error

	// Events returns the channel of inbound events.
	Events() <-chan models.Event
}

// canonicalPhone strips everything but digits from a phone number.
func canonicalPhone(service, recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug(service+" canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// emitter pushes events into a buffered channel until it is closed.
type emitter struct {
	service string
	events  chan models.Event
	closed  bool
}

func newEmitter(service string) *emitter {
	return &emitter{service: service, events: make(chan models.Event, DefaultChannelBufferSize)}
}

// emit must be called with the owning service's lock held for reading.
func (e *emitter) emit(ev models.Event) {
	if e.closed {
		slog.Warn(e.service+" dropping event (service stopped)", "from", ev.From, "type", ev.Type)
		return
	}
	select {
	case e.events <- ev:
		slog.Debug(e.service+" event forwarded", "from", ev.From, "type", ev.Type)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(e.service+" events channel blocked, dropping event", "from", ev.From, "timeout", DefaultChannelTimeout)
	}
}

// close must be called with the owning service's lock held for writing.
func (e *emitter) close() {
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
