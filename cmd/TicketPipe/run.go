package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/TicketPipe/internal/api"
	"github.com/BTreeMap/TicketPipe/internal/bot"
	"github.com/BTreeMap/TicketPipe/internal/flow"
	"github.com/BTreeMap/TicketPipe/internal/messaging"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/ticket"
	"github.com/BTreeMap/TicketPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TicketPipe/internal/util"
	"github.com/BTreeMap/TicketPipe/internal/whatsapp"
)

// ticketImage is the image name scenarios use for the rendered ticket.
const ticketImage = "ticket"

// run wires the modules together and blocks until ctx is cancelled or the
// messaging service stops delivering events.
func run(ctx context.Context, flags Flags) error {
	reg, err := loadRegistry(*flags.configPath)
	if err != nil {
		return err
	}

	engine, err := newEngine(reg, flags)
	if err != nil {
		return err
	}

	backend, err := openStore(flags)
	if err != nil {
		return err
	}
	defer backend.Close()

	var media *api.MediaStore
	if *flags.transport == TransportTwilio {
		media = api.NewMediaStore(*flags.publicBaseURL, util.ParseDurationEnv("MEDIA_TTL", api.DefaultMediaTTL))
	}
	svc, webhook, err := newService(flags, media)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer svc.Stop()

	sender := store.NewOutboxSender(backend, messaging.NewOutboxSendFunc(svc),
		util.ParseDurationEnv("OUTBOX_POLL_INTERVAL", store.DefaultOutboxPollInterval))
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Error("Failed to recover stale outbox messages", "error", err)
	}
	go sender.Run(ctx)

	b := bot.New(reg, engine, backend, backend,
		bot.WithFlusher(sender),
		bot.WithDeliver(messaging.DeliverFunc(svc)))

	apiOpts := buildAPIOptions(flags)
	if media != nil {
		apiOpts = append(apiOpts, api.WithMediaStore(media))
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(backend, apiOpts...)

	apiErr := make(chan error, 1)
	go func() { apiErr <- server.Run(ctx) }()

	dispatched := make(chan struct{})
	go func() {
		messaging.NewDispatcher(svc, b).Run(ctx)
		close(dispatched)
	}()

	select {
	case err := <-apiErr:
		if err != nil {
			return err
		}
		<-dispatched
	case <-dispatched:
	}
	slog.Info("TicketPipe shutting down")
	return nil
}

// loadRegistry reads the scenario registry from path, or the built-in one when path is empty.
func loadRegistry(path string) (*scenario.Registry, error) {
	if path == "" {
		slog.Debug("Using built-in scenario registry")
		reg, err := scenario.Default()
		if err != nil {
			return nil, fmt.Errorf("failed to load built-in scenarios: %w", err)
		}
		return reg, nil
	}
	reg, err := scenario.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenarios from %s: %w", path, err)
	}
	slog.Info("Loaded scenario registry", "path", path, "scenarios", len(reg.Scenarios()), "intents", len(reg.Intents))
	return reg, nil
}

// newEngine builds the scenario engine with the ticket renderer as its only image producer.
func newEngine(reg *scenario.Registry, flags Flags) (*flow.Engine, error) {
	filler, err := ticket.NewFiller(buildTicketOptions(flags)...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ticket renderer: %w", err)
	}
	renderer, err := flow.NewRenderer(reg, map[string]flow.ImageProducer{ticketImage: filler})
	if err != nil {
		return nil, err
	}
	return flow.NewEngine(reg, renderer), nil
}

// openStore opens the backend selected by the flags: Redis, PostgreSQL, SQLite or memory.
func openStore(flags Flags) (store.Backend, error) {
	opts := buildStoreOptions(flags)
	var (
		backend store.Backend
		err     error
	)
	switch {
	case *flags.redisAddr != "":
		backend, err = store.NewRedisStore(opts...)
	case *flags.appDBDSN == "":
		slog.Warn("Using in-memory store; dialogue state is lost on restart")
		backend = store.NewInMemoryStore()
	case store.DetectDSNType(*flags.appDBDSN) == "postgres":
		backend, err = store.NewPostgresStore(opts...)
	default:
		backend, err = store.NewSQLiteStore(opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return backend, nil
}

// newService creates the messaging service for the configured transport. For Twilio it
// also returns the webhook handler to mount on the API server.
func newService(flags Flags, media *api.MediaStore) (messaging.Service, http.HandlerFunc, error) {
	switch *flags.transport {
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions()...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if media != nil {
			if *flags.publicBaseURL == "" {
				slog.Warn("PUBLIC_BASE_URL is not set; ticket images cannot be delivered over Twilio")
			}
			opts = append(opts, messaging.WithMediaPublisher(media))
		}
		if *flags.validateSig {
			opts = append(opts, messaging.WithRequestValidator(client, *flags.publicBaseURL))
		} else {
			slog.Warn("Twilio webhook signature validation is disabled")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc.TwilioWebhookHandler, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (want %s or %s)", *flags.transport, TransportWhatsApp, TransportTwilio)
	}
}
