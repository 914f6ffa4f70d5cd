// Package store provides storage backends for TicketPipe.
//
// Every backend persists dialogue states, completed bookings, the outbound message
// outbox and the inbound dedup records. All writes caused by one inbound event go
// through RunInTx so they are applied together or not at all.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/TicketPipe/internal/models"
)

// ErrDSNNotSet is returned when a SQL backend is created without a DSN.
var ErrDSNNotSet = errors.New("database DSN not set")

// Tx is the set of operations available inside one unit of work.
type Tx interface {
	// GetDialogueState returns the user's state, or nil when the user is idle.
	GetDialogueState(userID string) (*models.DialogueState, error)
	// SaveDialogueState creates or replaces the user's state.
	SaveDialogueState(state models.DialogueState) error
	// DeleteDialogueState removes the user's state. Deleting a missing state is not an error.
	DeleteDialogueState(userID string) error
	// AddBooking appends a completed booking.
	AddBooking(b models.Booking) error
	// EnqueueOutboxMessage queues an outgoing message. If dedupeKey is non-empty and a
	// non-terminal message with that key exists, the existing ID is returned.
	EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error)
}

// Store is the dialogue persistence used by the bot.
type Store interface {
	// RunInTx runs fn in a transaction. The transaction commits when fn returns nil
	// and is rolled back otherwise.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error
	// ListBookings returns the bookings of userID, oldest first. An empty userID lists all.
	ListBookings(ctx context.Context, userID string) ([]models.Booking, error)
	Close() error
}

// Backend is a Store that also hosts the outbox and the inbound dedup records.
type Backend interface {
	Store
	OutboxRepo
	DedupRepo
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN           string // SQLite file path or PostgreSQL connection string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // Redis key namespace
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithRedisAddr sets the Redis server address (host:port).
func WithRedisAddr(addr string) Option {
	return func(o *Opts) {
		o.RedisAddr = addr
	}
}

// WithRedisPassword sets the Redis password.
func WithRedisPassword(password string) Option {
	return func(o *Opts) {
		o.RedisPassword = password
	}
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) Option {
	return func(o *Opts) {
		o.RedisDB = db
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) {
		o.KeyPrefix = prefix
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(dsn, "host=") {
		return "postgres"
	}
	// key=value pairs separated by spaces, e.g. "user=postgres dbname=test"
	if strings.Count(dsn, "=") >= 2 && strings.Contains(dsn, " ") {
		return "postgres"
	}
	return "sqlite3"
}
