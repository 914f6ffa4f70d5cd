package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/util"
)

// InMemoryStore keeps everything in process memory. Transactions work on a copy
// of the data that replaces the committed data only when fn succeeds.
type InMemoryStore struct {
	mu       sync.Mutex
	states   map[string]models.DialogueState
	bookings []models.Booking
	outbox   map[string]OutboxMessage
	dedup    map[string]DedupRecord
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states: make(map[string]models.DialogueState),
		outbox: make(map[string]OutboxMessage),
		dedup:  make(map[string]DedupRecord),
	}
}

type memTx struct {
	states   map[string]models.DialogueState
	bookings []models.Booking
	outbox   map[string]OutboxMessage
}

func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		states:   make(map[string]models.DialogueState, len(s.states)),
		bookings: append([]models.Booking(nil), s.bookings...),
		outbox:   make(map[string]OutboxMessage, len(s.outbox)),
	}
	for k, v := range s.states {
		tx.states[k] = v
	}
	for k, v := range s.outbox {
		tx.outbox[k] = v
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.states, s.bookings, s.outbox = tx.states, tx.bookings, tx.outbox
	return nil
}

func (t *memTx) GetDialogueState(userID string) (*models.DialogueState, error) {
	st, ok := t.states[userID]
	if !ok {
		return nil, nil
	}
	st.Context.Candidates = append([]models.FlightOption(nil), st.Context.Candidates...)
	return &st, nil
}

func (t *memTx) SaveDialogueState(st models.DialogueState) error {
	if st.UserID == "" {
		return fmt.Errorf("failed to save dialogue state: %w", models.ErrEmptySender)
	}
	st.Context.Candidates = append([]models.FlightOption(nil), st.Context.Candidates...)
	t.states[st.UserID] = st
	return nil
}

func (t *memTx) DeleteDialogueState(userID string) error {
	delete(t.states, userID)
	return nil
}

func (t *memTx) AddBooking(b models.Booking) error {
	for _, existing := range t.bookings {
		if existing.ID == b.ID {
			return fmt.Errorf("failed to insert booking for %s: duplicate id %s", b.UserID, b.ID)
		}
	}
	t.bookings = append(t.bookings, b)
	return nil
}

func (t *memTx) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		for _, m := range t.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusFailed {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateOutboxID()
	t.outbox[id] = OutboxMessage{
		ID:          id,
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (s *InMemoryStore) ListBookings(ctx context.Context, userID string) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if userID == "" || b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		locked := now
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &locked
		due[i].UpdatedAt = now
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt *time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
		if nextAttemptAt == nil {
			m.Status = OutboxStatusFailed
			return
		}
		next := *nextAttemptAt
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &next
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(&m)
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

// OutboxMessages returns a snapshot of all outbox rows, oldest first.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return fmt.Errorf("dedup record %s not found", messageID)
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}
