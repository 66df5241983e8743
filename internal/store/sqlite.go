package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"mediary/pkg/types"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	connectionTimeout = 5 * time.Second
	msPerSecond       = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS missed_messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	topic        TEXT    NOT NULL,
	payload      BLOB,
	qos          INTEGER,
	retain       INTEGER NOT NULL DEFAULT 0,
	dup          INTEGER NOT NULL DEFAULT 0,
	content_type TEXT,
	queued_at    INTEGER NOT NULL
)`

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// Path of the database file; created with its directory if missing.
	Path string
	// BusyTimeout in seconds.
	BusyTimeout int
}

// SQLiteStore is the default durable backend.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// OpenSQLite opens (or creates) the queue database in WAL mode and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	memory := cfg.Path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d", cfg.Path, cfg.BusyTimeout*msPerSecond)
	if !memory {
		connStr += "&_journal_mode=WAL&_synchronous=FULL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// single writer; also keeps a :memory: database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if !memory {
		_ = os.Chmod(cfg.Path, filePermissions)
	}

	logger.Info().Str("path", cfg.Path).Msg("SQLite missed-message store opened.")
	return &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
		now:    time.Now,
	}, nil
}

// Insert appends a message and returns its row id.
func (s *SQLiteStore) Insert(ctx context.Context, msg types.Message) (int64, error) {
	var qos sql.NullInt64
	if msg.QoS.Valid() {
		qos = sql.NullInt64{Int64: int64(msg.QoS), Valid: true}
	}
	var contentType sql.NullString
	if msg.ContentType != "" {
		contentType = sql.NullString{String: msg.ContentType, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO missed_messages (topic, payload, qos, retain, dup, content_type, queued_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Topic, msg.Payload, qos, msg.Retain, msg.Duplicate, contentType, s.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting missed message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	return id, nil
}

// List returns every queued message in insertion order.
func (s *SQLiteStore) List(ctx context.Context) ([]types.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, payload, qos, retain, dup, content_type, queued_at FROM missed_messages ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing missed messages: %w", err)
	}
	defer rows.Close()

	var out []types.QueuedMessage
	for rows.Next() {
		var (
			qm          types.QueuedMessage
			qos         sql.NullInt64
			contentType sql.NullString
			queuedAt    int64
		)
		if err := rows.Scan(&qm.ID, &qm.Message.Topic, &qm.Message.Payload, &qos,
			&qm.Message.Retain, &qm.Message.Duplicate, &contentType, &queuedAt); err != nil {
			return nil, fmt.Errorf("scanning missed message: %w", err)
		}
		qm.Message.QoS = types.QoSUnspecified
		if qos.Valid {
			qm.Message.QoS = types.QoSFromByte(byte(qos.Int64))
		}
		qm.Message.ContentType = contentType.String
		qm.QueuedAt = time.UnixMilli(queuedAt)
		out = append(out, qm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating missed messages: %w", err)
	}
	return out, nil
}

// Delete removes a record. Deleting an id that no longer exists is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM missed_messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting missed message %d: %w", id, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
