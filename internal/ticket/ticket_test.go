package ticket

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

var bookedContext = models.BookingContext{
	Origin:      "Самара",
	Destination: "Москва",
	Date:        "25-09-2020",
	Time:        "06:00",
	Flight:      "FL-SB 2504",
	Seats:       5,
	Comment:     "Хочу сидеть у окна",
	Phone:       "89099091234",
}

func avatarServer(t *testing.T, requested *string) *httptest.Server {
	t.Helper()
	avatar := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			avatar.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, avatar); err != nil {
		t.Fatalf("encode avatar: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requested != nil {
			*requested = r.URL.String()
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func frozenClock() time.Time {
	return time.Date(2020, 9, 16, 0, 0, 0, 0, time.UTC)
}

func TestProduce(t *testing.T) {
	var requested string
	srv := avatarServer(t, &requested)
	f, err := NewFiller(WithAvatarURL(srv.URL+"/avatars/{size}/{user}.png"), WithClock(frozenClock))
	if err != nil {
		t.Fatalf("NewFiller: %v", err)
	}

	data, err := f.Produce(context.Background(), "8762922", bookedContext)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("result is not a PNG: %v", err)
	}
	if img.Bounds() != f.template.Bounds() {
		t.Errorf("ticket size %v should match template %v", img.Bounds(), f.template.Bounds())
	}
	if requested != "/avatars/171/8762922.png" {
		t.Errorf("unexpected avatar request %q", requested)
	}

	// The avatar frame is filled with the red test avatar.
	r, g, b, _ := img.At(avatarOffset.X+AvatarSize/2, avatarOffset.Y+AvatarSize/2).RGBA()
	if r>>8 < 200 || g>>8 > 50 || b>>8 > 50 {
		t.Errorf("expected avatar pixel to be red, got %d %d %d", r>>8, g>>8, b>>8)
	}

	// Some text must have been drawn in the flight row.
	if !hasDarkPixel(img, image.Rect(flightOffset.X, flightOffset.Y, flightOffset.X+300, flightOffset.Y+FontSize)) {
		t.Error("expected flight number to be drawn")
	}
}

func TestAvatarUserIsEscaped(t *testing.T) {
	var requested string
	srv := avatarServer(t, &requested)
	f, err := NewFiller(WithAvatarURL(srv.URL+"/avatar?seed={user}&size={size}"), WithClock(frozenClock))
	if err != nil {
		t.Fatalf("NewFiller: %v", err)
	}
	if _, err := f.Produce(context.Background(), "a&size=1 b", bookedContext); err != nil {
		t.Fatalf("Produce: %v", err)
	}
	u, err := url.Parse(requested)
	if err != nil {
		t.Fatalf("parse requested URL %q: %v", requested, err)
	}
	if seed := u.Query().Get("seed"); seed != "a&size=1 b" {
		t.Errorf("expected seed to round-trip, got %q from %q", seed, requested)
	}
	if size := u.Query()["size"]; len(size) != 1 || size[0] != "171" {
		t.Errorf("user id must not inject query parameters, got size=%v", size)
	}
}

func TestProduceWithoutAvatar(t *testing.T) {
	f, err := NewFiller(WithAvatarURL(""), WithClock(frozenClock))
	if err != nil {
		t.Fatalf("NewFiller: %v", err)
	}
	if _, err := f.Produce(context.Background(), "1", bookedContext); err != nil {
		t.Fatalf("Produce: %v", err)
	}
}

func TestProduceAvatarFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f, err := NewFiller(WithAvatarURL(srv.URL + "/{user}"))
	if err != nil {
		t.Fatalf("NewFiller: %v", err)
	}
	_, err = f.Produce(context.Background(), "1", bookedContext)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected avatar status error, got %v", err)
	}
}

func TestNewFillerBadPaths(t *testing.T) {
	if _, err := NewFiller(WithTemplatePath("/nonexistent/template.png")); err == nil {
		t.Error("expected error for missing template")
	}
	if _, err := NewFiller(WithFontPath("/nonexistent/font.ttf")); err == nil {
		t.Error("expected error for missing font")
	}
}

func hasDarkPixel(img image.Image, rect image.Rectangle) bool {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r>>8 < 80 && g>>8 < 80 && b>>8 < 80 {
				return true
			}
		}
	}
	return false
}
