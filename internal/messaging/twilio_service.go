package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/twiliowhatsapp"
)

// TwilioSignatureHeader carries the webhook request signature.
const TwilioSignatureHeader = "X-Twilio-Signature"

// MediaPublisher makes image bytes reachable by URL so Twilio can fetch them.
type MediaPublisher interface {
	Publish(data []byte, contentType string) (string, error)
}

// RequestValidator checks Twilio webhook signatures.
type RequestValidator interface {
	ValidateRequest(url string, params map[string]string, signature string) bool
}

// TwilioOpts holds optional TwilioService settings.
type TwilioOpts struct {
	Media     MediaPublisher
	Validator RequestValidator
	// PublicBaseURL is the externally visible scheme and host used for signature checks.
	PublicBaseURL string
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioOpts)

// WithMediaPublisher enables image delivery through published media URLs.
func WithMediaPublisher(p MediaPublisher) TwilioOption {
	return func(o *TwilioOpts) { o.Media = p }
}

// WithRequestValidator rejects webhook requests without a valid signature.
func WithRequestValidator(v RequestValidator, publicBaseURL string) TwilioOption {
	return func(o *TwilioOpts) {
		o.Validator = v
		o.PublicBaseURL = strings.TrimSuffix(publicBaseURL, "/")
	}
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
	opts   TwilioOpts

	mu           sync.RWMutex
	events       *emitter
	stopped      bool
	profileNames map[string]string
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService around a Twilio client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioService{
		client:       client,
		opts:         cfg,
		events:       newEmitter("TwilioService"),
		profileNames: make(map[string]string),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone("TwilioService", recipient)
}

// Start is a no-op: events arrive through TwilioWebhookHandler.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the events channel and stops the service
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	s.events.close()
	return nil
}

func (s *TwilioService) isStopped() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stopped
}

// SendMessage sends a message via Twilio
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// SendImage publishes the image and sends its URL as message media.
func (s *TwilioService) SendImage(ctx context.Context, to string, data []byte) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if s.opts.Media == nil {
		return fmt.Errorf("twilio image delivery requires a media publisher")
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendImage validation error", "error", err, "to", to)
		return err
	}
	url, err := s.opts.Media.Publish(data, "image/png")
	if err != nil {
		return fmt.Errorf("publish image for %s: %w", canonicalTo, err)
	}
	return s.client.SendMedia(ctx, canonicalTo, url)
}

// DisplayName returns the WhatsApp profile name last seen on an inbound webhook.
func (s *TwilioService) DisplayName(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profileNames[userID], nil
}

// Events returns the channel of inbound events.
func (s *TwilioService) Events() <-chan models.Event {
	return s.events.events
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them as events into the Events() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.opts.Validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
		if !s.opts.Validator.ValidateRequest(s.requestURL(r), params, r.Header.Get(TwilioSignatureHeader)) {
			slog.Warn("Twilio webhook signature rejected", "remote", r.RemoteAddr)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}
	}

	from := twiliowhatsapp.Number(r.PostFormValue("From"))
	if from == "" {
		slog.Warn("Twilio webhook missing sender")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	ev := models.Event{
		Type:      models.EventTypeMessageNew,
		MessageID: r.PostFormValue("MessageSid"),
		From:      from,
		Text:      r.PostFormValue("Body"),
		Time:      time.Now().Unix(),
	}
	if status := r.PostFormValue("MessageStatus"); status != "" {
		// Status callbacks report delivery of our own messages.
		ev.Type = models.EventTypeReceipt
	}
	slog.Info("Inbound WhatsApp event from Twilio", "from", ev.From, "type", ev.Type)

	s.mu.Lock()
	if name := r.PostFormValue("ProfileName"); name != "" {
		s.profileNames[from] = name
	}
	s.mu.Unlock()

	s.mu.RLock()
	s.events.emit(ev)
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}
