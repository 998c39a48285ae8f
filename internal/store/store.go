package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"podlocator/go-poller/internal/model"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrDuplicateEntry is returned by RecordSuccess when a row for the same
// part and timestamp already exists.
var ErrDuplicateEntry = errors.New("duplicate log entry")

// TimestampLayout is the fixed-width UTC text form used for every stored
// timestamp, so that string comparison matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Store{db: db, logger: logger.With("component", "store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema creates the log tables and index. Safe to call on every start.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS poll_logs (
			part_name TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			latitude REAL,
			longitude REAL,
			battery_status TEXT,
			PRIMARY KEY (part_name, timestamp)
		);`,
		`CREATE TABLE IF NOT EXISTS error_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			part_name TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			round_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON poll_logs (timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_error_logs_timestamp ON error_logs (timestamp);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// RecordSuccess inserts one location sample. A second sample for the same
// part and timestamp yields ErrDuplicateEntry.
func (s *Store) RecordSuccess(ctx context.Context, r model.SuccessRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO poll_logs (part_name, timestamp, latitude, longitude, battery_status) VALUES (?, ?, ?, ?, ?);`,
		r.Part,
		FormatTimestamp(r.Timestamp),
		r.Latitude,
		r.Longitude,
		r.BatteryStatus,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("insert poll log %s@%s: %w", r.Part, FormatTimestamp(r.Timestamp), ErrDuplicateEntry)
		}
		return fmt.Errorf("insert poll log: %w", err)
	}

	return nil
}

// InsertError appends one row to error_logs.
func (s *Store) InsertError(ctx context.Context, e model.ErrorRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO error_logs (timestamp, part_name, status, error_message, round_id) VALUES (?, ?, ?, ?, ?);`,
		FormatTimestamp(ts),
		nullString(e.Part),
		string(e.Status),
		nullString(e.Message),
		nullString(e.RoundID),
	)
	if err != nil {
		return fmt.Errorf("insert error log: %w", err)
	}
	return nil
}

// RecordFailure appends one row to error_logs. Failures to write are
// logged and swallowed so that the poll loop is never aborted by them.
func (s *Store) RecordFailure(ctx context.Context, e model.ErrorRecord) {
	if err := s.InsertError(ctx, e); err != nil {
		s.logger.Warn("failed to persist error log", "part", e.Part, "status", e.Status, "error", err)
	}
}

// PollLogs returns success rows inside the query window, newest first.
func (s *Store) PollLogs(ctx context.Context, q model.LogQuery) ([]model.SuccessRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	q = normalizeQuery(q)

	query := `SELECT part_name, timestamp, latitude, longitude, battery_status FROM poll_logs WHERE timestamp BETWEEN ? AND ?`
	args := []any{FormatTimestamp(q.Start), FormatTimestamp(q.End)}
	if q.Part != "" {
		query += ` AND part_name = ?`
		args = append(args, q.Part)
	}
	query += ` ORDER BY timestamp DESC LIMIT ? OFFSET ?;`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query poll logs: %w", err)
	}
	defer rows.Close()

	return scanSuccessRows(rows)
}

// LatestPollLogs returns the most recent success row for each part.
func (s *Store) LatestPollLogs(ctx context.Context) ([]model.SuccessRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT pl.part_name, pl.timestamp, pl.latitude, pl.longitude, pl.battery_status
		 FROM poll_logs pl
		 INNER JOIN (
			SELECT part_name, MAX(timestamp) AS max_ts
			FROM poll_logs
			GROUP BY part_name
		 ) latest ON pl.part_name = latest.part_name AND pl.timestamp = latest.max_ts
		 ORDER BY pl.part_name;`)
	if err != nil {
		return nil, fmt.Errorf("query latest poll logs: %w", err)
	}
	defer rows.Close()

	return scanSuccessRows(rows)
}

// ErrorLogs returns error rows inside the query window, newest first.
func (s *Store) ErrorLogs(ctx context.Context, q model.LogQuery) ([]model.ErrorRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	q = normalizeQuery(q)

	query := `SELECT id, timestamp, part_name, status, error_message, round_id FROM error_logs WHERE timestamp BETWEEN ? AND ?`
	args := []any{FormatTimestamp(q.Start), FormatTimestamp(q.End)}
	if q.Part != "" {
		query += ` AND part_name = ?`
		args = append(args, q.Part)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?;`
	args = append(args, q.Limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error logs: %w", err)
	}
	defer rows.Close()

	var records []model.ErrorRecord
	for rows.Next() {
		var (
			rec     model.ErrorRecord
			tsStr   string
			part    sql.NullString
			status  string
			message sql.NullString
			roundID sql.NullString
		)
		if err := rows.Scan(&rec.ID, &tsStr, &part, &status, &message, &roundID); err != nil {
			return nil, fmt.Errorf("scan error log: %w", err)
		}
		rec.Timestamp = ParseTimestamp(tsStr)
		rec.Part = part.String
		rec.Status = model.Outcome(status)
		rec.Message = message.String
		rec.RoundID = roundID.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error logs: %w", err)
	}

	return records, nil
}

func scanSuccessRows(rows *sql.Rows) ([]model.SuccessRecord, error) {
	var records []model.SuccessRecord
	for rows.Next() {
		var (
			rec       model.SuccessRecord
			tsStr     string
			latitude  sql.NullFloat64
			longitude sql.NullFloat64
			battery   sql.NullString
		)
		if err := rows.Scan(&rec.Part, &tsStr, &latitude, &longitude, &battery); err != nil {
			return nil, fmt.Errorf("scan poll log: %w", err)
		}
		rec.Timestamp = ParseTimestamp(tsStr)
		rec.Latitude = latitude.Float64
		rec.Longitude = longitude.Float64
		rec.BatteryStatus = battery.String
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate poll logs: %w", err)
	}

	return records, nil
}

func normalizeQuery(q model.LogQuery) model.LogQuery {
	if q.End.IsZero() {
		q.End = time.Now()
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-24 * time.Hour)
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// FormatTimestamp renders t in the stored text form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp reads a stored timestamp, tolerating RFC 3339 rows written
// by older tooling.
func ParseTimestamp(s string) time.Time {
	ts, err := time.Parse(TimestampLayout, s)
	if err != nil {
		ts, _ = time.Parse(time.RFC3339Nano, s)
	}
	return ts.UTC()
}

// isDuplicateKey reports a primary key or unique violation. Other
// constraint failures, such as NOT NULL, are real errors.
func isDuplicateKey(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended codes disabled: fall back to the message.
		return strings.Contains(sqliteErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
