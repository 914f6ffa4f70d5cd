// Package ticket renders the PNG mock ticket sent at the end of a booking.
//
// The ticket is a template image with the booking fields drawn at fixed offsets and
// the user's avatar, fetched over HTTP, pasted into the photo frame.
package ticket

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/flights"
	"github.com/BTreeMap/TicketPipe/internal/models"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

//go:embed ticket_template.png
var defaultTemplate []byte

// Layout constants, in template pixels.
const (
	FontSize        = 40
	CommentFontSize = 30
	AvatarSize      = 171
)

// Text offsets are the top-left corner of each field.
var (
	flightOffset      = image.Pt(400, 468)
	fromOffset        = image.Pt(400, 518)
	toOffset          = image.Pt(400, 568)
	dateOffset        = image.Pt(400, 618)
	timeOffset        = image.Pt(700, 618)
	seatsOffset       = image.Pt(550, 665)
	commentOffset     = image.Pt(500, 718)
	phoneOffset       = image.Pt(450, 810)
	currentDateOffset = image.Pt(550, 860)
	avatarOffset      = image.Pt(60, 344)
)

// DefaultAvatarURL is an avatar service URL template. {size} and {user} are substituted.
const DefaultAvatarURL = "https://api.dicebear.com/9.x/identicon/png?size={size}&seed={user}"

// DefaultAvatarTimeout bounds a single avatar fetch.
const DefaultAvatarTimeout = 10 * time.Second

// Opts holds configuration for a Filler.
type Opts struct {
	TemplatePath string // PNG; embedded template when empty
	FontPath     string // TTF/OTF; Go Regular when empty
	AvatarURL    string // avatar is skipped when empty
	HTTPClient   *http.Client
	Now          func() time.Time
}

// Option configures a Filler.
type Option func(*Opts)

// WithTemplatePath loads the ticket template from a PNG file.
func WithTemplatePath(path string) Option {
	return func(o *Opts) {
		o.TemplatePath = path
	}
}

// WithFontPath loads the ticket font from a TrueType or OpenType file.
func WithFontPath(path string) Option {
	return func(o *Opts) {
		o.FontPath = path
	}
}

// WithAvatarURL sets the avatar URL template. An empty template disables avatars.
func WithAvatarURL(tmpl string) Option {
	return func(o *Opts) {
		o.AvatarURL = tmpl
	}
}

// WithHTTPClient sets the client used for avatar fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// WithClock sets the clock used for the issue date.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Filler draws tickets. It is safe for sequential use only: font faces keep glyph caches.
type Filler struct {
	template    image.Image
	face        font.Face
	commentFace font.Face
	avatarURL   string
	client      *http.Client
	now         func() time.Time
}

// NewFiller loads the template and font and prepares a Filler.
func NewFiller(opts ...Option) (*Filler, error) {
	cfg := Opts{
		AvatarURL:  DefaultAvatarURL,
		HTTPClient: &http.Client{Timeout: DefaultAvatarTimeout},
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	tmplData := defaultTemplate
	if cfg.TemplatePath != "" {
		data, err := os.ReadFile(cfg.TemplatePath)
		if err != nil {
			return nil, fmt.Errorf("read ticket template: %w", err)
		}
		tmplData = data
	}
	tmpl, err := png.Decode(bytes.NewReader(tmplData))
	if err != nil {
		return nil, fmt.Errorf("decode ticket template: %w", err)
	}

	fontData := goregular.TTF
	if cfg.FontPath != "" {
		data, err := os.ReadFile(cfg.FontPath)
		if err != nil {
			return nil, fmt.Errorf("read ticket font: %w", err)
		}
		fontData = data
	}
	parsed, err := opentype.Parse(fontData)
	if err != nil {
		return nil, fmt.Errorf("parse ticket font: %w", err)
	}
	face, err := newFace(parsed, FontSize)
	if err != nil {
		return nil, err
	}
	commentFace, err := newFace(parsed, CommentFontSize)
	if err != nil {
		return nil, err
	}

	return &Filler{
		template:    tmpl,
		face:        face,
		commentFace: commentFace,
		avatarURL:   cfg.AvatarURL,
		client:      cfg.HTTPClient,
		now:         cfg.Now,
	}, nil
}

func newFace(f *opentype.Font, size float64) (font.Face, error) {
	face, err := opentype.NewFace(f, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create font face (size %v): %w", size, err)
	}
	return face, nil
}

// Produce draws the ticket for a completed booking context and returns PNG bytes.
func (f *Filler) Produce(ctx context.Context, userID string, c models.BookingContext) ([]byte, error) {
	bounds := f.template.Bounds()
	canvas := image.NewRGBA(bounds)
	xdraw.Draw(canvas, bounds, f.template, bounds.Min, xdraw.Src)

	fields := []struct {
		text string
		at   image.Point
		face font.Face
	}{
		{c.Flight, flightOffset, f.face},
		{c.Origin, fromOffset, f.face},
		{c.Destination, toOffset, f.face},
		{c.Date, dateOffset, f.face},
		{c.Time, timeOffset, f.face},
		{strconv.Itoa(c.Seats), seatsOffset, f.face},
		{c.Comment, commentOffset, f.commentFace},
		{c.Phone, phoneOffset, f.face},
		{f.now().Format(flights.DateLayout), currentDateOffset, f.face},
	}
	for _, field := range fields {
		drawText(canvas, field.face, field.at, field.text)
	}

	if f.avatarURL != "" {
		avatar, err := f.fetchAvatar(ctx, userID)
		if err != nil {
			return nil, err
		}
		dst := image.Rectangle{Min: avatarOffset, Max: avatarOffset.Add(image.Pt(AvatarSize, AvatarSize))}
		xdraw.CatmullRom.Scale(canvas, dst, avatar, avatar.Bounds(), xdraw.Over, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("encode ticket: %w", err)
	}
	slog.Debug("Ticket rendered", "userID", userID, "flight", c.Flight, "bytes", buf.Len())
	return buf.Bytes(), nil
}

// drawText draws s with its top-left corner at the given point.
func drawText(dst xdraw.Image, face font.Face, at image.Point, s string) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(at.X, at.Y).Add(fixed.Point26_6{Y: face.Metrics().Ascent}),
	}
	d.DrawString(s)
}

func (f *Filler) avatarLocation(userID string) string {
	return strings.NewReplacer("{size}", strconv.Itoa(AvatarSize), "{user}", url.QueryEscape(userID)).Replace(f.avatarURL)
}

func (f *Filler) fetchAvatar(ctx context.Context, userID string) (image.Image, error) {
	location := f.avatarLocation(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("build avatar request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch avatar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch avatar: unexpected status %s", resp.Status)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, models.MaxImageSize))
	if err != nil {
		return nil, fmt.Errorf("decode avatar: %w", err)
	}
	return img, nil
}
