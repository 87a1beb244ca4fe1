package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/contextkit-core/internal/domain"
	"github.com/ashureev/contextkit-core/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewWithDB(db)
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already opened database. The schema is assumed to exist.
func NewWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS telemetry_events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		session_id TEXT,
		tool_id TEXT,
		invocation_id TEXT,
		phase TEXT NOT NULL,
		duration_ms INTEGER,
		error_code TEXT,
		error_message TEXT,
		repo_path TEXT,
		parameters TEXT,
		attributes TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_session ON telemetry_events(session_id, ts);
	CREATE INDEX IF NOT EXISTS idx_telemetry_ts ON telemetry_events(ts);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// AppendEvents inserts a batch in one transaction, retrying on SQLITE_BUSY
// with exponential backoff.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []domain.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}

	var err error
	for i := 0; i < writeRetries; i++ {
		err = s.appendOnce(ctx, events)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == writeRetries-1 {
			break
		}
		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("Telemetry append hit SQLITE_BUSY, retrying",
			"events", len(events),
			"attempt", i+1,
			"delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("append %d telemetry events: %w", len(events), err)
}

func (s *SQLiteStore) appendOnce(ctx context.Context, events []domain.TelemetryEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO telemetry_events (id, kind, session_id, tool_id, invocation_id, phase,
		duration_ms, error_code, error_message, repo_path, parameters, attributes, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, ev := range events {
		var duration interface{}
		if ev.DurationMs != nil {
			duration = *ev.DurationMs
		}
		var params interface{}
		if len(ev.Parameters) > 0 {
			params = string(ev.Parameters)
		}
		var attrs interface{}
		if len(ev.Attributes) > 0 {
			raw, err := json.Marshal(ev.Attributes)
			if err != nil {
				return fmt.Errorf("marshal attributes for %s: %w", ev.ID, err)
			}
			attrs = string(raw)
		}

		if _, err := stmt.ExecContext(ctx,
			ev.ID, string(ev.Kind), ev.SessionID, ev.ToolID, ev.InvocationID, ev.Phase,
			duration, ev.ErrorCode, ev.ErrorMessage, ev.RepoPath, params, attrs,
			ev.Timestamp.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

// ListEvents returns matching events oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter Filter) ([]domain.TelemetryEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ToolID != "" {
		where = append(where, "tool_id = ?")
		args = append(args, filter.ToolID)
	}
	if filter.InvocationID != "" {
		where = append(where, "invocation_id = ?")
		args = append(args, filter.InvocationID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	query := `SELECT id, kind, session_id, tool_id, invocation_id, phase, duration_ms,
		error_code, error_message, repo_path, parameters, attributes, ts FROM telemetry_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	// Newest first so LIMIT keeps the most recent rows; reversed below.
	query += " ORDER BY ts DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query telemetry: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.TelemetryEvent
	for rows.Next() {
		var (
			ev                              domain.TelemetryEvent
			kind                            string
			sessionID, toolID, invocationID sql.NullString
			errCode, errMsg, repoPath       sql.NullString
			params, attrs                   sql.NullString
			duration                        sql.NullInt64
			ts                              int64
		)
		if err := rows.Scan(&ev.ID, &kind, &sessionID, &toolID, &invocationID, &ev.Phase,
			&duration, &errCode, &errMsg, &repoPath, &params, &attrs, &ts); err != nil {
			return nil, fmt.Errorf("scan telemetry row: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.SessionID = sessionID.String
		ev.ToolID = toolID.String
		ev.InvocationID = invocationID.String
		ev.ErrorCode = errCode.String
		ev.ErrorMessage = errMsg.String
		ev.RepoPath = repoPath.String
		if duration.Valid {
			d := duration.Int64
			ev.DurationMs = &d
		}
		if params.Valid && params.String != "" {
			ev.Parameters = json.RawMessage(params.String)
		}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &ev.Attributes); err != nil {
				slog.Warn("Dropping unreadable telemetry attributes", "id", ev.ID, "error", err)
			}
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry rows: %w", err)
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// PruneEvents deletes events recorded before cutoff.
func (s *SQLiteStore) PruneEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM telemetry_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune telemetry rows affected: %w", err)
	}
	return n, nil
}

var _ Repository = (*SQLiteStore)(nil)
