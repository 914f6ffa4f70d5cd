package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// EventHandler processes one inbound message event.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev models.Event) error
}

// Dispatcher is the single sequential consumer of a service's event feed.
type Dispatcher struct {
	svc     Service
	handler EventHandler
}

// NewDispatcher creates a dispatcher feeding svc events to handler.
func NewDispatcher(svc Service, handler EventHandler) *Dispatcher {
	return &Dispatcher{svc: svc, handler: handler}
}

// Run consumes events until the channel closes or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher starting event processing")
	defer slog.Info("Dispatcher stopped event processing")

	for {
		select {
		case ev, ok := <-d.svc.Events():
			if !ok {
				slog.Debug("Dispatcher events channel closed")
				return
			}
			if err := d.Dispatch(ctx, ev); err != nil {
				slog.Error("Dispatcher failed to process event", "error", err, "from", ev.From, "messageID", ev.MessageID)
			}
		case <-ctx.Done():
			slog.Debug("Dispatcher stopping due to context cancellation")
			return
		}
	}
}

// Dispatch handles a single event. Events other than new messages are ignored and a
// panic in the handler is turned into an error.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) (err error) {
	if ev.Type != models.EventTypeMessageNew {
		slog.Debug("Dispatcher ignoring event", "type", ev.Type, "from", ev.From)
		return nil
	}

	from, err := d.svc.ValidateAndCanonicalizeRecipient(ev.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	ev.From = from

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher recovered from panic", "panic", r, "from", ev.From, "messageID", ev.MessageID)
			err = fmt.Errorf("panic while handling event from %s: %v", ev.From, r)
		}
	}()

	slog.Debug("Dispatcher handling message", "from", ev.From, "messageID", ev.MessageID, "text_length", len(ev.Text))
	return d.handler.HandleEvent(ctx, ev)
}
