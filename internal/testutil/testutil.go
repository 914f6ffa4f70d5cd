// Package testutil provides common test utilities and helpers for TicketPipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/flow"
	"github.com/BTreeMap/TicketPipe/internal/messaging"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
)

// ScenarioDate is the frozen "today" of the default flight table tests.
var ScenarioDate = time.Date(2020, 9, 16, 10, 0, 0, 0, time.UTC)

// FakeTicket is the image returned by the fake ticket producer.
var FakeTicket = []byte("\x89PNG fake ticket")

// FrozenClock returns a clock that always reports t.
func FrozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// DefaultRegistry loads the embedded scenario registry and fails the test on error.
func DefaultRegistry(t *testing.T) *scenario.Registry {
	t.Helper()
	reg, err := scenario.Default()
	if err != nil {
		t.Fatalf("failed to load default registry: %v", err)
	}
	return reg
}

// NewEngine builds an engine over reg with the clock frozen at ScenarioDate and
// a ticket producer that returns FakeTicket.
func NewEngine(t *testing.T, reg *scenario.Registry) *flow.Engine {
	t.Helper()
	renderer, err := flow.NewRenderer(reg, map[string]flow.ImageProducer{
		"ticket": flow.ImageProducerFunc(func(ctx context.Context, userID string, c models.BookingContext) ([]byte, error) {
			return FakeTicket, nil
		}),
	})
	if err != nil {
		t.Fatalf("failed to create renderer: %v", err)
	}
	return flow.NewEngine(reg, renderer, flow.WithClock(FrozenClock(ScenarioDate)))
}

// Sent is one message recorded by FakeService.
type Sent struct {
	To    string
	Text  string
	Image []byte
}

// FakeService is an in-memory messaging.Service that records everything it sends.
type FakeService struct {
	mu     sync.Mutex
	sent   []Sent
	names  map[string]string
	events chan models.Event
	// SendErr, when set, is returned by every send.
	SendErr error
}

var _ messaging.Service = (*FakeService)(nil)

// NewFakeService creates a FakeService with a buffered events channel.
func NewFakeService() *FakeService {
	return &FakeService{
		names:  make(map[string]string),
		events: make(chan models.Event, messaging.DefaultChannelBufferSize),
	}
}

// SetName sets the display name reported for userID.
func (f *FakeService) SetName(userID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names[userID] = name
}

// Push queues an inbound event.
func (f *FakeService) Push(ev models.Event) {
	f.events <- ev
}

// Sent returns a copy of all recorded messages.
func (f *FakeService) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// Texts returns the text of all recorded text messages.
func (f *FakeService) Texts() []string {
	var texts []string
	for _, s := range f.Sent() {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
	}
	return texts
}

// Reset forgets recorded messages.
func (f *FakeService) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *FakeService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (f *FakeService) SendMessage(ctx context.Context, to string, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, Sent{To: to, Text: body})
	return nil
}

func (f *FakeService) SendImage(ctx context.Context, to string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.sent = append(f.sent, Sent{To: to, Image: data})
	return nil
}

func (f *FakeService) DisplayName(ctx context.Context, userID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names[userID], nil
}

func (f *FakeService) Start(ctx context.Context) error { return nil }

func (f *FakeService) Stop() error {
	close(f.events)
	return nil
}

func (f *FakeService) Events() <-chan models.Event {
	return f.events
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}
