// Package api provides the HTTP server of TicketPipe.
//
// It exposes the Twilio inbound webhook, hosts rendered ticket images so that Twilio
// can fetch them, and serves health and booking listing endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/store"
)

// Server timeouts
const (
	DefaultAddr            = ":8080"
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Media   *MediaStore
	Webhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithMediaStore serves published images under /media/.
func WithMediaStore(m *MediaStore) Option {
	return func(o *Opts) {
		o.Media = m
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook at /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.Webhook = h
	}
}

// Server serves the TicketPipe HTTP endpoints.
type Server struct {
	st      store.Store
	media   *MediaStore
	webhook http.HandlerFunc
	addr    string
	mux     *http.ServeMux
	started time.Time
}

// NewServer creates a Server reading bookings from st.
func NewServer(st store.Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		st:      st,
		media:   cfg.Media,
		webhook: cfg.Webhook,
		addr:    cfg.Addr,
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/bookings", s.bookingsHandler)
	if s.media != nil {
		s.mux.Handle(MediaPath, s.media)
	}
	if s.webhook != nil {
		s.mux.HandleFunc("/twilio/webhook", s.webhook)
	}
	slog.Debug("Server routes registered", "media", s.media != nil, "webhook", s.webhook != nil)
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves HTTP on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("TicketPipe API listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown failed", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}
	slog.Info("TicketPipe API stopped")
	return nil
}
