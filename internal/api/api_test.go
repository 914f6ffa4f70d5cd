package api

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/messaging"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/testutil"
	"github.com/BTreeMap/TicketPipe/internal/twiliowhatsapp"
)

const testBaseURL = "https://bot.example.com"

func addBooking(t *testing.T, st store.Store, user, flight string) {
	t.Helper()
	err := st.RunInTx(context.Background(), func(tx store.Tx) error {
		return tx.AddBooking(models.Booking{
			ID: flight + "-" + user, UserID: user, Origin: "Москва", Destination: "Лондон",
			Date: "25-09-2020", Time: "06:00", Flight: flight, Seats: 2, Phone: "+79099091234",
			CreatedAt: testutil.ScenarioDate,
		})
	})
	if err != nil {
		t.Fatalf("AddBooking failed: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(store.NewInMemoryStore(), WithMediaStore(NewMediaStore(testBaseURL, 0)))

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET /healthz")
	resp := testutil.AssertJSONResponse(t, rr, "ok")
	result, ok := resp["result"].(map[string]interface{})
	if !ok || result["status"] != "healthy" {
		t.Errorf("unexpected health result: %v", resp["result"])
	}
	if result["media_items"] != float64(0) {
		t.Errorf("expected 0 media items, got %v", result["media_items"])
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "POST /healthz")
}

func TestBookingsHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	addBooking(t, st, "79099091234", "RU101")
	addBooking(t, st, "79099091234", "RU102")
	addBooking(t, st, "79001112233", "RU103")
	s := NewServer(st)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"one user", "/bookings?user=79099091234", 2},
		{"plus prefix", "/bookings?user=%2B79001112233", 1},
		{"unknown user", "/bookings?user=70000000000", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.query, nil))
			testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, tt.query)
			resp := testutil.AssertJSONResponse(t, rr, "ok")
			list, ok := resp["result"].([]interface{})
			if !ok {
				t.Fatalf("result is not a list: %v", resp["result"])
			}
			if len(list) != tt.want {
				t.Errorf("expected %d bookings, got %d", tt.want, len(list))
			}
		})
	}

	for _, query := range []string{"/bookings", "/bookings?user=", "/bookings?user=+"} {
		rr := httptest.NewRecorder()
		s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, query, nil))
		testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, query)
		testutil.AssertJSONResponse(t, rr, "error")
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/bookings", nil))
	testutil.AssertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "DELETE /bookings")
	if allow := rr.Header().Get("Allow"); allow != http.MethodGet {
		t.Errorf("expected Allow GET, got %q", allow)
	}
}

func TestMediaStorePublishAndServe(t *testing.T) {
	media := NewMediaStore(testBaseURL+"/", time.Minute)
	s := NewServer(store.NewInMemoryStore(), WithMediaStore(media))

	link, err := media.Publish([]byte("png-bytes"), "image/png")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !strings.HasPrefix(link, testBaseURL+MediaPath) {
		t.Fatalf("unexpected media URL %q", link)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatalf("invalid media URL: %v", err)
	}

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, u.Path, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET media")
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("expected image/png, got %q", ct)
	}
	if rr.Body.String() != "png-bytes" {
		t.Errorf("unexpected body %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, MediaPath+"missing", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET missing media")
}

func TestMediaStoreExpiry(t *testing.T) {
	now := testutil.ScenarioDate
	media := NewMediaStore(testBaseURL, time.Minute)
	media.now = func() time.Time { return now }

	link, err := media.Publish([]byte("png"), "image/png")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if media.Len() != 1 {
		t.Fatalf("expected 1 item, got %d", media.Len())
	}

	now = now.Add(time.Minute)
	rr := httptest.NewRecorder()
	media.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, strings.TrimPrefix(link, testBaseURL), nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "GET expired media")
	if media.Len() != 0 {
		t.Errorf("expected expired item to be purged, got %d", media.Len())
	}
}

func TestMediaStoreRejectsInvalid(t *testing.T) {
	if _, err := NewMediaStore("", 0).Publish([]byte("png"), "image/png"); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewMediaStore(testBaseURL, 0).Publish(nil, "image/png"); err == nil {
		t.Error("expected error for empty media")
	}
}

func TestTwilioWebhookRoute(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	s := NewServer(store.NewInMemoryStore(), WithTwilioWebhook(svc.TwilioWebhookHandler))

	form := url.Values{}
	form.Set("From", "whatsapp:+79099091234")
	form.Set("Body", "привет")
	form.Set("MessageSid", "SM1")
	form.Set("ProfileName", "Иван Петров")
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "POST /twilio/webhook")

	select {
	case ev := <-svc.Events():
		if ev.From != "79099091234" || ev.Text != "привет" || ev.MessageID != "SM1" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook did not emit an event")
	}

	rr = httptest.NewRecorder()
	NewServer(store.NewInMemoryStore()).Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/twilio/webhook", nil))
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "webhook without Twilio transport")
}

func TestTwilioImageDeliveryThroughMediaStore(t *testing.T) {
	media := NewMediaStore(testBaseURL, 0)
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock, messaging.WithMediaPublisher(media))
	s := NewServer(store.NewInMemoryStore(), WithMediaStore(media))

	if err := svc.SendImage(context.Background(), "79099091234", testutil.FakeTicket); err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	sent := mock.Messages()
	if len(sent) != 1 || sent[0].MediaURL == "" {
		t.Fatalf("expected one media message, got %+v", sent)
	}

	u, err := url.Parse(sent[0].MediaURL)
	if err != nil {
		t.Fatalf("invalid media URL: %v", err)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, u.Path, nil))
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "GET ticket image")
	if !bytes.Equal(rr.Body.Bytes(), testutil.FakeTicket) {
		t.Error("served image differs from the sent ticket")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	s := NewServer(store.NewInMemoryStore())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	testutil.AssertHTTPStatus(t, http.StatusOK, resp.StatusCode, "live /healthz")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after cancel")
	}
}
