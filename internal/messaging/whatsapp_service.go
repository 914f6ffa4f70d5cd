package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling

	mu      sync.RWMutex
	events  *emitter
	stopped bool
	// pushNames remembers the profile name each sender last used.
	pushNames map[string]string
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		events:    newEmitter("WhatsAppService"),
		pushNames: make(map[string]string),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp number to its digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("WhatsAppService", recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the events channel. Later events are dropped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().Disconnect()
	}
	s.events.close()
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

func (s *WhatsAppService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService message sent", "to", canonicalTo)
	return nil
}

// SendImage uploads and sends a PNG image.
func (s *WhatsAppService) SendImage(ctx context.Context, to string, data []byte) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendImage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendImage(ctx, canonicalTo, data); err != nil {
		slog.Error("WhatsAppService SendImage error", "error", err, "to", canonicalTo)
		return err
	}
	slog.Info("WhatsAppService image sent", "to", canonicalTo, "size", len(data))
	return nil
}

// DisplayName prefers the contact store and falls back to the sender's push name.
func (s *WhatsAppService) DisplayName(ctx context.Context, userID string) (string, error) {
	name, err := s.client.ContactName(ctx, userID)
	if err == nil && name != "" {
		return name, nil
	}
	s.mu.RLock()
	push := s.pushNames[userID]
	s.mu.RUnlock()
	return push, err
}

// Events returns the channel of inbound events.
func (s *WhatsAppService) Events() <-chan models.Event {
	return s.events.events
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(v)
	case *events.Receipt:
		s.emit(models.Event{Type: models.EventTypeReceipt, From: v.MessageSource.Sender.User, Time: v.Timestamp.Unix()})
	default:
		slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
	}
}

func (s *WhatsAppService) emit(ev models.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.events.emit(ev)
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = evt.Message.GetConversation()
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = evt.Message.ExtendedTextMessage.GetText()
	} else {
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.String())
		s.emit(models.Event{Type: models.EventTypeOther, From: evt.Info.Sender.User, Time: evt.Info.Timestamp.Unix()})
		return
	}

	from := evt.Info.Sender.User
	if evt.Info.PushName != "" {
		s.mu.Lock()
		s.pushNames[from] = evt.Info.PushName
		s.mu.Unlock()
	}

	s.emit(models.Event{
		Type:      models.EventTypeMessageNew,
		MessageID: string(evt.Info.ID),
		From:      from,
		Text:      messageText,
		Time:      evt.Info.Timestamp.Unix(),
	})
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	case *events.PushName:
		return "PushName"
	default:
		return "Unknown"
	}
}
