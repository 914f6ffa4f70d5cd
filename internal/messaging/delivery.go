package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/store"
)

// Personalize prefixes text with the first word of the user's name.
func Personalize(name, text string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 || text == "" {
		return text
	}
	return fields[0] + ", " + text
}

// Deliver sends msg to a user: the personalized text first, then the image.
func Deliver(ctx context.Context, svc Service, to string, msg models.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid outbound message for %s: %w", to, err)
	}
	if msg.Text != "" {
		name, err := svc.DisplayName(ctx, to)
		if err != nil {
			slog.Warn("Deliver failed to resolve display name", "error", err, "to", to)
		}
		if err := svc.SendMessage(ctx, to, Personalize(name, msg.Text)); err != nil {
			return fmt.Errorf("send text to %s: %w", to, err)
		}
	}
	if msg.HasImage() {
		if err := svc.SendImage(ctx, to, msg.Image); err != nil {
			return fmt.Errorf("send image to %s: %w", to, err)
		}
	}
	return nil
}

// DeliverFunc binds Deliver to svc.
func DeliverFunc(svc Service) func(ctx context.Context, to string, msg models.OutboundMessage) error {
	return func(ctx context.Context, to string, msg models.OutboundMessage) error {
		return Deliver(ctx, svc, to, msg)
	}
}

// NewOutboxSendFunc returns the send function used by the outbox sender.
func NewOutboxSendFunc(svc Service) store.OutboxSendFunc {
	return func(ctx context.Context, row store.OutboxMessage) error {
		msg, err := row.OutboundMessage()
		if err != nil {
			return err
		}
		return Deliver(ctx, svc, row.UserID, msg)
	}
}
