package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Outbox sender defaults
const (
	DefaultOutboxPollInterval = 5 * time.Second
	DefaultOutboxMaxAttempts  = 6
	defaultStaleThreshold     = 5 * time.Minute
	defaultClaimLimit         = 10
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender claims due outbox messages and attempts to send them, either on its
// polling loop or when Flush is called after a commit. Claims are serialised so
// both paths deliver messages in enqueue order.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int

	mu sync.Mutex
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: defaultStaleThreshold,
		claimLimit:     defaultClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state for longer than the
// stale threshold (crash recovery). It is called at startup and periodically by Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	recoverTicker := time.NewTicker(s.staleThreshold)
	defer recoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-recoverTicker.C:
			if err := s.RecoverStaleMessages(); err != nil {
				slog.Error("OutboxSender.Run: stale recovery failed", "error", err)
			}
			s.Flush(ctx)
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends every message that is due now and returns the number delivered.
func (s *OutboxSender) Flush(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	sent := 0
	for {
		now := time.Now()
		msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
		if err != nil {
			slog.Error("OutboxSender.Flush: claim failed", "error", err)
			return sent
		}
		if len(msgs) == 0 {
			return sent
		}
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

		for _, msg := range msgs {
			if s.deliver(ctx, msg, now) {
				sent++
			}
		}
		if len(msgs) < s.claimLimit {
			return sent
		}
	}
}

func (s *OutboxSender) deliver(ctx context.Context, msg OutboxMessage, now time.Time) bool {
	slog.Debug("OutboxSender: sending message", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind)
	if err := s.sendFunc(ctx, msg); err != nil {
		var next *time.Time
		if msg.Attempts+1 < s.maxAttempts {
			// Exponential backoff: 10s, 20s, 40s, ...
			at := now.Add(time.Duration(10*(1<<msg.Attempts)) * time.Second)
			next = &at
		}
		slog.Error("OutboxSender: send failed", "id", msg.ID, "userID", msg.UserID,
			"attempt", msg.Attempts+1, "giveUp", next == nil, "error", err)
		if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), next); err != nil {
			slog.Error("OutboxSender: fail message error", "id", msg.ID, "error", err)
		}
		return false
	}
	if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
		slog.Error("OutboxSender: mark sent error", "id", msg.ID, "error", err)
	}
	slog.Debug("OutboxSender: message sent", "id", msg.ID, "userID", msg.UserID)
	return true
}
