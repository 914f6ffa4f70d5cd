package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const outboxColumns = `id, user_id, kind, payload_json, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// ClaimDueOutboxMessages selects due messages and marks them sending in one transaction.
func (b *sqlBase) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	now = now.UTC()
	ctx := context.Background()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, b.q(
		`SELECT `+outboxColumns+`
		 FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	for i := range msgs {
		_, err := tx.ExecContext(ctx, b.q(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`),
			now, now, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &now
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit outbox claim failed: %w", err)
	}
	return msgs, nil
}

func (b *sqlBase) MarkOutboxMessageSent(id string) error {
	now := time.Now().UTC()
	_, err := b.db.Exec(b.q(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`), now, id)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (b *sqlBase) FailOutboxMessage(id string, errMsg string, nextAttemptAt *time.Time) error {
	now := time.Now().UTC()
	var err error
	if nextAttemptAt == nil {
		_, err = b.db.Exec(b.q(
			`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			errMsg, now, id,
		)
	} else {
		_, err = b.db.Exec(b.q(
			`UPDATE outbox_messages SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`),
			errMsg, nextAttemptAt.UTC(), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (b *sqlBase) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	result, err := b.db.Exec(b.q(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`),
		now, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(b.name+".RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
