// This file implements the Redis-backed store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/util"
	"github.com/redis/go-redis/v9"
)

// Redis store configuration constants
const (
	// DefaultKeyPrefix namespaces all keys written by the store
	DefaultKeyPrefix = "ticketpipe:"
	// DefaultDedupTTL bounds how long inbound message ids are remembered
	DefaultDedupTTL = 7 * 24 * time.Hour
	// DefaultSentOutboxTTL bounds how long delivered outbox rows are kept
	DefaultSentOutboxTTL = 24 * time.Hour
	// redisPingTimeout bounds the startup connectivity check
	redisPingTimeout = 2 * time.Second
)

// ErrConcurrentUpdate is returned by RunInTx when a watched dialogue state changed
// before the transaction committed.
var ErrConcurrentUpdate = errors.New("dialogue state changed concurrently")

// RedisStore keeps TicketPipe data in Redis. Dialogue states read inside RunInTx
// are WATCHed and all writes are applied in one MULTI/EXEC block.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

var _ Backend = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	slog.Debug("NewRedisStore invoked", "addr", cfg.RedisAddr, "db", cfg.RedisDB)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err, "addr", cfg.RedisAddr)
		rdb.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", cfg.RedisAddr, err)
	}
	slog.Debug("Redis ping successful", "addr", cfg.RedisAddr)
	return &RedisStore{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) stateKey(userID string) string    { return s.prefix + "state:" + userID }
func (s *RedisStore) bookingsKey(userID string) string { return s.prefix + "bookings:" + userID }
func (s *RedisStore) allBookingsKey() string           { return s.prefix + "bookings" }
func (s *RedisStore) outboxKey(id string) string       { return s.prefix + "outbox:msg:" + id }
func (s *RedisStore) outboxDueKey() string             { return s.prefix + "outbox:due" }
func (s *RedisStore) outboxSendingKey() string         { return s.prefix + "outbox:sending" }
func (s *RedisStore) outboxDedupeKey(k string) string  { return s.prefix + "outbox:dedupe:" + k }
func (s *RedisStore) dedupKey(messageID string) string { return s.prefix + "dedup:" + messageID }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func scoreMax(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// RunInTx runs fn with reads going to Redis and writes buffered until fn succeeds.
func (s *RedisStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		t := &redisTx{
			ctx:     ctx,
			s:       s,
			rtx:     rtx,
			states:  make(map[string]*models.DialogueState),
			dedupes: make(map[string]string),
		}
		if err := fn(t); err != nil {
			return err
		}
		if len(t.ops) == 0 {
			return nil
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range t.ops {
				op(pipe)
			}
			return nil
		})
		return err
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("redis transaction aborted: %w", ErrConcurrentUpdate)
	}
	return err
}

type redisTx struct {
	ctx context.Context
	s   *RedisStore
	rtx *redis.Tx
	// states overlays uncommitted writes; a nil entry is a pending delete.
	states  map[string]*models.DialogueState
	dedupes map[string]string
	ops     []func(pipe redis.Pipeliner)
}

func (t *redisTx) GetDialogueState(userID string) (*models.DialogueState, error) {
	if st, ok := t.states[userID]; ok {
		if st == nil {
			return nil, nil
		}
		cp := *st
		return &cp, nil
	}

	key := t.s.stateKey(userID)
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch dialogue state for %s: %w", userID, err)
	}
	data, err := t.rtx.Get(t.ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dialogue state for %s: %w", userID, err)
	}
	var st models.DialogueState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode dialogue state for %s: %w", userID, err)
	}
	return &st, nil
}

func (t *redisTx) SaveDialogueState(st models.DialogueState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode dialogue state for %s: %w", st.UserID, err)
	}
	t.states[st.UserID] = &st
	key := t.s.stateKey(st.UserID)
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Set(t.ctx, key, data, 0)
	})
	return nil
}

func (t *redisTx) DeleteDialogueState(userID string) error {
	t.states[userID] = nil
	key := t.s.stateKey(userID)
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Del(t.ctx, key)
	})
	return nil
}

func (t *redisTx) AddBooking(b models.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode booking for %s: %w", b.UserID, err)
	}
	userKey, allKey := t.s.bookingsKey(b.UserID), t.s.allBookingsKey()
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.RPush(t.ctx, userKey, data)
		pipe.RPush(t.ctx, allKey, data)
	})
	return nil
}

func (t *redisTx) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		if id, ok := t.dedupes[dedupeKey]; ok {
			return id, nil
		}
		existing, err := t.rtx.Get(t.ctx, t.s.outboxDedupeKey(dedupeKey)).Result()
		if err == nil {
			slog.Debug("RedisStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	now := time.Now().UTC()
	m := OutboxMessage{
		ID:          util.GenerateOutboxID(),
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	if dedupeKey != "" {
		t.dedupes[dedupeKey] = m.ID
	}
	t.ops = append(t.ops, func(pipe redis.Pipeliner) {
		pipe.Set(t.ctx, t.s.outboxKey(m.ID), data, 0)
		pipe.ZAdd(t.ctx, t.s.outboxDueKey(), redis.Z{Score: score(now), Member: m.ID})
		if dedupeKey != "" {
			pipe.Set(t.ctx, t.s.outboxDedupeKey(dedupeKey), m.ID, 0)
		}
	})
	slog.Debug("RedisStore.EnqueueOutboxMessage", "id", m.ID, "userID", userID, "kind", kind)
	return m.ID, nil
}

// ListBookings returns bookings in insertion order.
func (s *RedisStore) ListBookings(ctx context.Context, userID string) ([]models.Booking, error) {
	key := s.allBookingsKey()
	if userID != "" {
		key = s.bookingsKey(userID)
	}
	items, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	bookings := make([]models.Booking, 0, len(items))
	for _, item := range items {
		var b models.Booking
		if err := json.Unmarshal([]byte(item), &b); err != nil {
			return nil, fmt.Errorf("failed to decode booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, nil
}

func (s *RedisStore) Close() error {
	slog.Debug("Closing Redis connection")
	return s.rdb.Close()
}

func (s *RedisStore) loadOutbox(ctx context.Context, id string) (*OutboxMessage, error) {
	data, err := s.rdb.Get(ctx, s.outboxKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("outbox message %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox message %s: %w", id, err)
	}
	var m OutboxMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode outbox message %s: %w", id, err)
	}
	return &m, nil
}

func (s *RedisStore) saveOutbox(ctx context.Context, m *OutboxMessage, ttl time.Duration) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode outbox message %s: %w", m.ID, err)
	}
	return s.rdb.Set(ctx, s.outboxKey(m.ID), data, ttl).Err()
}

// ClaimDueOutboxMessages moves due ids from the due set to the sending set. ZREM
// decides ownership, so concurrent claimers never get the same message.
func (s *RedisStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	ctx := context.Background()
	ids, err := s.rdb.ZRangeByScore(ctx, s.outboxDueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   scoreMax(now),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	var msgs []OutboxMessage
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, s.outboxDueKey(), id).Result()
		if err != nil {
			return msgs, fmt.Errorf("claim outbox message %s failed: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		m, err := s.loadOutbox(ctx, id)
		if err != nil {
			slog.Error("RedisStore.ClaimDueOutboxMessages: dropping unreadable message", "id", id, "error", err)
			continue
		}
		locked := now.UTC()
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		if err := s.saveOutbox(ctx, m, 0); err != nil {
			return msgs, err
		}
		if err := s.rdb.ZAdd(ctx, s.outboxSendingKey(), redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return msgs, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

func (s *RedisStore) MarkOutboxMessageSent(id string) error {
	ctx := context.Background()
	m, err := s.loadOutbox(ctx, id)
	if err != nil {
		return err
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	if err := s.saveOutbox(ctx, m, DefaultSentOutboxTTL); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.outboxSendingKey(), id)
	if m.DedupeKey != "" {
		pipe.Del(ctx, s.outboxDedupeKey(m.DedupeKey))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *RedisStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt *time.Time) error {
	ctx := context.Background()
	m, err := s.loadOutbox(ctx, id)
	if err != nil {
		return err
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil

	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, s.outboxSendingKey(), id)
	if nextAttemptAt == nil {
		m.Status = OutboxStatusFailed
		if m.DedupeKey != "" {
			pipe.Del(ctx, s.outboxDedupeKey(m.DedupeKey))
		}
	} else {
		next := nextAttemptAt.UTC()
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &next
		pipe.ZAdd(ctx, s.outboxDueKey(), redis.Z{Score: score(next), Member: id})
	}
	if err := s.saveOutbox(ctx, m, 0); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *RedisStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	ctx := context.Background()
	ids, err := s.rdb.ZRangeByScore(ctx, s.outboxSendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + scoreMax(staleBefore),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}

	n := 0
	now := time.Now()
	for _, id := range ids {
		removed, err := s.rdb.ZRem(ctx, s.outboxSendingKey(), id).Result()
		if err != nil {
			return n, fmt.Errorf("requeue stale outbox message %s failed: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		m, err := s.loadOutbox(ctx, id)
		if err != nil {
			continue
		}
		m.Status = OutboxStatusQueued
		m.LockedAt = nil
		if err := s.saveOutbox(ctx, m, 0); err != nil {
			return n, err
		}
		if err := s.rdb.ZAdd(ctx, s.outboxDueKey(), redis.Z{Score: score(now), Member: id}).Err(); err != nil {
			return n, fmt.Errorf("requeue stale outbox message %s failed: %w", id, err)
		}
		n++
	}
	if n > 0 {
		slog.Info("RedisStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return n, nil
}

func (s *RedisStore) IsDuplicate(messageID string) (bool, error) {
	n, err := s.rdb.Exists(context.Background(), s.dedupKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RecordInbound(messageID, userID string) (bool, error) {
	data, err := json.Marshal(DedupRecord{MessageID: messageID, UserID: userID, ReceivedAt: time.Now().UTC()})
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	ok, err := s.rdb.SetNX(context.Background(), s.dedupKey(messageID), data, DefaultDedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) MarkProcessed(messageID string) error {
	ctx := context.Background()
	key := s.dedupKey(messageID)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	var rec DedupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	now := time.Now().UTC()
	rec.ProcessedAt = &now
	updated, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	if err := s.rdb.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
