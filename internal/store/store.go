// Package store keeps the chat message log in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// timestampLayout is how SQLite's CURRENT_TIMESTAMP renders.
const timestampLayout = "2006-01-02 15:04:05"

// SQLiteStore implements domain.MessageLog using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var _ domain.MessageLog = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath. The schema
// is not touched until Init is called.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db, path: dbPath, logger: logger}, nil
}

// Open is NewSQLiteStore followed by Init.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Init ensures the message table exists. Safe to call repeatedly.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if err := RunMigrations(ctx, s.db, s.logger); err != nil {
		return fmt.Errorf("%w: database migration failed: %w", domain.ErrStorage, err)
	}
	return nil
}

// Append inserts one row and reads back the id and timestamp SQLite assigned.
func (s *SQLiteStore) Append(ctx context.Context, kind domain.Kind, content, connectionID string) (domain.Message, error) {
	if !kind.Valid() {
		return domain.Message{}, fmt.Errorf("%w: %q", domain.ErrInvalidKind, kind)
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (type, content, user_id) VALUES (?, ?, ?)
		 RETURNING id, type, content, user_id, timestamp`,
		string(kind), content, connectionID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: insert message: %w", domain.ErrStorage, err)
	}
	return msg, nil
}

// Recent returns the newest limit messages in ascending order. The query
// selects newest-first and the result is reversed, so the window always
// covers the tail of the log.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = domain.DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, content, user_id, timestamp
		 FROM messages ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent messages: %w", domain.ErrStorage, err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan message: %w", domain.ErrStorage, err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %w", domain.ErrStorage, err)
	}

	// Reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Count returns the number of stored messages.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count messages: %w", domain.ErrStorage, err)
	}
	return n, nil
}

// SchemaVersion reports the migration level recorded in the database.
func (s *SQLiteStore) SchemaVersion(ctx context.Context) (int, error) {
	v, err := GetSchemaVersion(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("%w: read schema version: %w", domain.ErrStorage, err)
	}
	return v, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (domain.Message, error) {
	var (
		m       domain.Message
		kind    sql.NullString
		content sql.NullString
		userID  sql.NullString
		ts      any
	)
	if err := sc.Scan(&m.ID, &kind, &content, &userID, &ts); err != nil {
		return domain.Message{}, err
	}
	m.Type = domain.Kind(kind.String)
	m.Content = content.String
	m.UserID = userID.String

	t, err := parseTimestamp(ts)
	if err != nil {
		return domain.Message{}, err
	}
	m.Timestamp = t
	return m, nil
}

// parseTimestamp accepts whatever the driver hands back for a DATETIME column.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimestampText(t)
	case []byte:
		return parseTimestampText(string(t))
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

func parseTimestampText(s string) (time.Time, error) {
	for _, layout := range []string{timestampLayout, time.RFC3339Nano, "2006-01-02T15:04:05Z"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
