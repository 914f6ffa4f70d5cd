package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// OutboxKindMessage is the kind of an outbox row carrying a models.OutboundMessage payload.
const OutboxKindMessage = "message"

// OutboxMessage represents a durable outgoing message record.
type OutboxMessage struct {
	ID            string       `json:"id"`
	UserID        string       `json:"user_id"`
	Kind          string       `json:"kind"`
	PayloadJSON   string       `json:"payload_json"`
	Status        OutboxStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at"`
	DedupeKey     string       `json:"dedupe_key"`
	LockedAt      *time.Time   `json:"locked_at"`
	LastError     string       `json:"last_error"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// EncodeMessagePayload serializes an outbound message for an OutboxKindMessage row.
func EncodeMessagePayload(msg models.OutboundMessage) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode outbound message: %w", err)
	}
	return string(data), nil
}

// OutboundMessage decodes the payload of an OutboxKindMessage row.
func (m OutboxMessage) OutboundMessage() (models.OutboundMessage, error) {
	var out models.OutboundMessage
	if m.Kind != OutboxKindMessage {
		return out, fmt.Errorf("unsupported outbox kind %q", m.Kind)
	}
	if err := json.Unmarshal([]byte(m.PayloadJSON), &out); err != nil {
		return out, fmt.Errorf("decode outbox payload %s: %w", m.ID, err)
	}
	return out, nil
}

// OutboxRepo defines the delivery side of the outbox. Messages are enqueued
// through Tx so they commit together with the state change that produced them.
type OutboxRepo interface {
	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them, oldest first.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure and schedules a retry at nextAttemptAt.
	// A nil nextAttemptAt gives up on the message and marks it failed.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt *time.Time) error

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery).
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
