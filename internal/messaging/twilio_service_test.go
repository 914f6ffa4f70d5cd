package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/twiliowhatsapp"
)

type fakePublisher struct {
	published [][]byte
}

func (p *fakePublisher) Publish(data []byte, contentType string) (string, error) {
	p.published = append(p.published, data)
	return "https://bot.example.com/media/1", nil
}

type fakeValidator struct {
	gotURL string
	ok     bool
}

func (v *fakeValidator) ValidateRequest(url string, params map[string]string, signature string) bool {
	v.gotURL = url
	return v.ok && signature == "sig" && params["Body"] != ""
}

func postWebhook(svc *TwilioService, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(TwilioSignatureHeader, signature)
	}
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	return rr
}

func TestTwilioWebhookEmitsEvent(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{
		"From":        {"whatsapp:+79099091234"},
		"Body":        {"Хочу купить билет."},
		"MessageSid":  {"SM123"},
		"ProfileName": {"Анна"},
	}
	rr := postWebhook(svc, form, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	select {
	case ev := <-svc.Events():
		if ev.Type != models.EventTypeMessageNew || ev.From != "79099091234" || ev.MessageID != "SM123" || ev.Text != "Хочу купить билет." {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event, got none")
	}
	if name, _ := svc.DisplayName(context.Background(), "79099091234"); name != "Анна" {
		t.Errorf("expected profile name, got %q", name)
	}
}

func TestTwilioWebhookRejectsBadRequests(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if rr := postWebhook(svc, url.Values{"Body": {"hi"}}, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without sender, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/twilio/webhook", nil)
	rr := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestTwilioWebhookSignature(t *testing.T) {
	v := &fakeValidator{ok: true}
	svc := NewTwilioService(twiliowhatsapp.NewMockClient(), WithRequestValidator(v, "https://bot.example.com/"))
	form := url.Values{"From": {"whatsapp:+79099091234"}, "Body": {"hi"}}

	if rr := postWebhook(svc, form, "bad"); rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bad signature, got %d", rr.Code)
	}
	if rr := postWebhook(svc, form, "sig"); rr.Code != http.StatusOK {
		t.Errorf("expected 200 for good signature, got %d", rr.Code)
	}
	if v.gotURL != "https://bot.example.com/twilio/webhook" {
		t.Errorf("expected public URL to be validated, got %q", v.gotURL)
	}
}

func TestTwilioServiceSendImage(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	ctx := context.Background()

	if err := NewTwilioService(client).SendImage(ctx, "79099091234", []byte{1}); err == nil {
		t.Error("expected error without media publisher")
	}

	pub := &fakePublisher{}
	svc := NewTwilioService(client, WithMediaPublisher(pub))
	if err := svc.SendImage(ctx, "+79099091234", []byte{1, 2}); err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	sent := client.Messages()
	if len(pub.published) != 1 || len(sent) != 1 || sent[0].MediaURL != "https://bot.example.com/media/1" || sent[0].To != "79099091234" {
		t.Errorf("unexpected delivery: published=%d sent=%+v", len(pub.published), sent)
	}
}
