// Package bot processes one inbound message event as a single unit of work.
//
// Each event is deduplicated by platform message id, matched against the registry
// intents and, when a scenario is in progress, handed to the scenario engine. The
// resulting dialogue state change, completed booking and outbound messages are
// written in one store transaction; messages are delivered afterwards from the outbox.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/TicketPipe/internal/flow"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/scenario"
	"github.com/BTreeMap/TicketPipe/internal/store"
)

// DeliverFunc sends a message directly, bypassing the outbox.
type DeliverFunc func(ctx context.Context, to string, msg models.OutboundMessage) error

// Flusher delivers queued outbox messages.
type Flusher interface {
	Flush(ctx context.Context) int
}

// Opts holds optional collaborators of the Bot.
type Opts struct {
	Flusher Flusher
	Deliver DeliverFunc
}

// Option configures a Bot.
type Option func(*Opts)

// WithFlusher flushes the outbox after every committed event.
func WithFlusher(f Flusher) Option {
	return func(o *Opts) {
		o.Flusher = f
	}
}

// WithDeliver sets the direct delivery used for the error answer when an event fails.
func WithDeliver(fn DeliverFunc) Option {
	return func(o *Opts) {
		o.Deliver = fn
	}
}

// Bot wires the intent matcher and the scenario engine to a store.
type Bot struct {
	reg     *scenario.Registry
	matcher *flow.Matcher
	engine  *flow.Engine
	store   store.Store
	dedup   store.DedupRepo
	flusher Flusher
	deliver DeliverFunc
}

// New creates a Bot. dedup may be nil to process every event.
func New(reg *scenario.Registry, engine *flow.Engine, st store.Store, dedup store.DedupRepo, opts ...Option) *Bot {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bot{
		reg:     reg,
		matcher: flow.NewMatcher(reg),
		engine:  engine,
		store:   st,
		dedup:   dedup,
		flusher: cfg.Flusher,
		deliver: cfg.Deliver,
	}
}

// HandleEvent processes one message event. On failure nothing is persisted, the
// error answer is sent on a best-effort basis and the error is returned.
func (b *Bot) HandleEvent(ctx context.Context, ev models.Event) error {
	if err := ev.Validate(); err != nil {
		slog.Warn("Bot rejected invalid event", "error", err, "userID", ev.From, "messageID", ev.MessageID)
		if !errors.Is(err, models.ErrEmptySender) {
			b.sendErrorAnswer(ctx, ev.From)
		}
		return fmt.Errorf("invalid event: %w", err)
	}

	if ev.MessageID != "" && b.dedup != nil {
		first, err := b.dedup.RecordInbound(ev.MessageID, ev.From)
		if err != nil {
			return fmt.Errorf("record inbound message %s: %w", ev.MessageID, err)
		}
		if !first {
			slog.Info("Bot skipping duplicate message", "userID", ev.From, "messageID", ev.MessageID)
			return nil
		}
	}

	err := b.store.RunInTx(ctx, func(tx store.Tx) error {
		msgs, err := b.process(ctx, tx, ev)
		if err != nil {
			return err
		}
		return enqueue(tx, ev, msgs)
	})
	if err != nil {
		slog.Error("Bot failed to process message", "error", err, "userID", ev.From, "messageID", ev.MessageID)
		b.sendErrorAnswer(ctx, ev.From)
		return err
	}

	if ev.MessageID != "" && b.dedup != nil {
		if err := b.dedup.MarkProcessed(ev.MessageID); err != nil {
			slog.Warn("Bot failed to mark message processed", "error", err, "messageID", ev.MessageID)
		}
	}
	if b.flusher != nil {
		b.flusher.Flush(ctx)
	}
	return nil
}

// process decides the reply for ev and applies the state change inside tx.
func (b *Bot) process(ctx context.Context, tx store.Tx, ev models.Event) ([]models.OutboundMessage, error) {
	state, err := tx.GetDialogueState(ev.From)
	if err != nil {
		return nil, err
	}

	action := b.matcher.Match(ev.Text, state != nil)
	slog.Debug("Bot matched action", "userID", ev.From, "action", action.Kind, "hasState", state != nil)

	if action.DiscardState {
		slog.Info("Bot discarding dialogue state", "userID", ev.From, "scenario", state.ScenarioName,
			"step", state.StepName, "intent", action.Intent.Name)
		if err := tx.DeleteDialogueState(ev.From); err != nil {
			return nil, err
		}
	}

	switch action.Kind {
	case flow.ActionReply:
		return []models.OutboundMessage{{Text: action.Intent.Answer}}, nil
	case flow.ActionStartScenario:
		tr, err := b.engine.Start(ctx, ev.From, action.Intent.Scenario)
		if err != nil {
			return nil, err
		}
		return apply(tx, ev.From, tr)
	case flow.ActionContinue:
		tr, err := b.engine.Advance(ctx, state, ev.Text)
		if err != nil {
			return nil, err
		}
		return apply(tx, ev.From, tr)
	default:
		return []models.OutboundMessage{{Text: b.reg.DefaultAnswer}}, nil
	}
}

// apply persists the outcome of an engine transition.
func apply(tx store.Tx, userID string, tr *flow.Transition) ([]models.OutboundMessage, error) {
	if tr.State != nil {
		if err := tx.SaveDialogueState(*tr.State); err != nil {
			return nil, err
		}
	} else if err := tx.DeleteDialogueState(userID); err != nil {
		return nil, err
	}
	if tr.Booking != nil {
		if err := tx.AddBooking(*tr.Booking); err != nil {
			return nil, err
		}
	}
	slog.Debug("Bot applied transition", "userID", userID, "outcome", tr.Outcome, "messages", len(tr.Messages))
	return tr.Messages, nil
}

// enqueue writes one outbox row per part: a message with text and image becomes two
// rows so a failed image upload never resends the text.
func enqueue(tx store.Tx, ev models.Event, msgs []models.OutboundMessage) error {
	var parts []models.OutboundMessage
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("outbound message %d for %s: %w", i, ev.From, err)
		}
		if msg.Text != "" {
			parts = append(parts, models.OutboundMessage{Text: msg.Text})
		}
		if msg.HasImage() {
			parts = append(parts, models.OutboundMessage{Image: msg.Image})
		}
	}

	for i, part := range parts {
		payload, err := store.EncodeMessagePayload(part)
		if err != nil {
			return err
		}
		dedupeKey := ""
		if ev.MessageID != "" {
			dedupeKey = ev.MessageID + ":" + strconv.Itoa(i)
		}
		if _, err := tx.EnqueueOutboxMessage(ev.From, store.OutboxKindMessage, payload, dedupeKey); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendErrorAnswer(ctx context.Context, to string) {
	if b.deliver == nil || b.reg.ErrorAnswer == "" {
		return
	}
	if err := b.deliver(ctx, to, models.OutboundMessage{Text: b.reg.ErrorAnswer}); err != nil {
		slog.Error("Bot failed to send error answer", "error", err, "userID", to)
	}
}
