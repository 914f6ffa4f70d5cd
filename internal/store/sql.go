package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/util"
)

// sqlBase holds the parts shared by the SQLite and PostgreSQL stores. Queries are
// written with ? placeholders and rebound for the target driver.
type sqlBase struct {
	db   *sql.DB
	name string
	// lockRow is appended to per-user selects inside a transaction.
	lockRow string
	rebind  func(string) string
}

func (b *sqlBase) q(query string) string {
	if b.rebind == nil {
		return query
	}
	return b.rebind(query)
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// RunInTx runs fn inside a database transaction.
func (b *sqlBase) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, base: b}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error(b.name+" rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListBookings returns bookings oldest first.
func (b *sqlBase) ListBookings(ctx context.Context, userID string) ([]models.Booking, error) {
	query := `SELECT id, user_id, origin, destination, date, time, flight, seats, comment, phone, created_at FROM bookings`
	var args []interface{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		slog.Error(b.name+" ListBookings query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query bookings: %w", err)
	}
	defer rows.Close()

	var bookings []models.Booking
	for rows.Next() {
		var bk models.Booking
		if err := rows.Scan(&bk.ID, &bk.UserID, &bk.Origin, &bk.Destination, &bk.Date, &bk.Time,
			&bk.Flight, &bk.Seats, &bk.Comment, &bk.Phone, &bk.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan booking row: %w", err)
		}
		bookings = append(bookings, bk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate booking rows: %w", err)
	}
	slog.Debug(b.name+" ListBookings succeeded", "userID", userID, "count", len(bookings))
	return bookings, nil
}

// Close closes the database connection.
func (b *sqlBase) Close() error {
	slog.Debug("Closing " + b.name + " database connection")
	err := b.db.Close()
	if err != nil {
		slog.Error("Failed to close "+b.name+" database", "error", err)
	}
	return err
}

// sqlTx implements Tx on a database transaction.
type sqlTx struct {
	ctx  context.Context
	tx   *sql.Tx
	base *sqlBase
}

func (t *sqlTx) GetDialogueState(userID string) (*models.DialogueState, error) {
	query := `SELECT user_id, scenario_name, step_name, context, aborting, created_at, updated_at
		FROM dialogue_states WHERE user_id = ?` + t.base.lockRow

	var st models.DialogueState
	var contextJSON []byte
	err := t.tx.QueryRowContext(t.ctx, t.base.q(query), userID).Scan(
		&st.UserID, &st.ScenarioName, &st.StepName, &contextJSON, &st.Aborting, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dialogue state for %s: %w", userID, err)
	}
	if err := json.Unmarshal(contextJSON, &st.Context); err != nil {
		return nil, fmt.Errorf("failed to decode dialogue context for %s: %w", userID, err)
	}
	return &st, nil
}

func (t *sqlTx) SaveDialogueState(st models.DialogueState) error {
	contextJSON, err := json.Marshal(st.Context)
	if err != nil {
		return fmt.Errorf("failed to encode dialogue context for %s: %w", st.UserID, err)
	}
	query := `INSERT INTO dialogue_states (user_id, scenario_name, step_name, context, aborting, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			scenario_name = excluded.scenario_name,
			step_name = excluded.step_name,
			context = excluded.context,
			aborting = excluded.aborting,
			updated_at = excluded.updated_at`
	_, err = t.tx.ExecContext(t.ctx, t.base.q(query),
		st.UserID, st.ScenarioName, st.StepName, string(contextJSON), st.Aborting, st.CreatedAt.UTC(), st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save dialogue state for %s: %w", st.UserID, err)
	}
	return nil
}

func (t *sqlTx) DeleteDialogueState(userID string) error {
	_, err := t.tx.ExecContext(t.ctx, t.base.q(`DELETE FROM dialogue_states WHERE user_id = ?`), userID)
	if err != nil {
		return fmt.Errorf("failed to delete dialogue state for %s: %w", userID, err)
	}
	return nil
}

func (t *sqlTx) AddBooking(bk models.Booking) error {
	_, err := t.tx.ExecContext(t.ctx, t.base.q(
		`INSERT INTO bookings (id, user_id, origin, destination, date, time, flight, seats, comment, phone, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		bk.ID, bk.UserID, bk.Origin, bk.Destination, bk.Date, bk.Time, bk.Flight, bk.Seats, bk.Comment, bk.Phone, bk.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking for %s: %w", bk.UserID, err)
	}
	return nil
}

func (t *sqlTx) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existingID string
		err := t.tx.QueryRowContext(t.ctx, t.base.q(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`),
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(t.base.name+".EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.GenerateOutboxID()
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(t.ctx, t.base.q(
		`INSERT INTO outbox_messages (id, user_id, kind, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`),
		id, userID, kind, payloadJSON, nilIfEmpty(dedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug(t.base.name+".EnqueueOutboxMessage", "id", id, "userID", userID, "kind", kind)
	return id, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.UserID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
