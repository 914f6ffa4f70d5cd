package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (b *sqlBase) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := b.db.QueryRow(b.q(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`), messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

// RecordInbound relies on the primary key: a second insert of the same id affects no rows.
func (b *sqlBase) RecordInbound(messageID, userID string) (bool, error) {
	now := time.Now().UTC()
	result, err := b.db.Exec(b.q(
		`INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`),
		messageID, userID, now,
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n == 1, nil
}

func (b *sqlBase) MarkProcessed(messageID string) error {
	now := time.Now().UTC()
	_, err := b.db.Exec(b.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), now, messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
