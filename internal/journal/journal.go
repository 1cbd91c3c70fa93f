package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the journal database file inside the journal directory.
const FileName = "torpool.db"

// Journal is a SQLite record of pool sessions and the identity rotations
// that happened in them. It stores no operation payloads or results.
type Journal struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// Options configures Open.
type Options struct {
	// CreateIfNotExists creates the directory and database file when missing.
	CreateIfNotExists bool

	// EnableWAL switches the database to write-ahead logging.
	EnableWAL bool

	// Logger receives write failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default journal options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// ErrNotFound is returned when the journal database does not exist and
// CreateIfNotExists is false.
var ErrNotFound = errors.New("journal not found")

// Open opens or creates the journal in dir.
func Open(dir string, opts Options) (*Journal, error) {
	dbPath := filepath.Join(dir, FileName)

	mode := "rwc"
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	} else {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check journal path: %w", err)
		}
		mode = "rw"
	}

	db, err := sql.Open("sqlite", dbPath+"?mode="+mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{db: db, dbPath: dbPath, logger: logger}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := j.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string { return j.dbPath }

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		circuits INTEGER NOT NULL,
		max_queries INTEGER NOT NULL,
		daemon_pid INTEGER,
		proxy_port INTEGER,
		control_port INTEGER,
		operations INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		rotations INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);

	CREATE TABLE IF NOT EXISTS rotations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		circuit TEXT NOT NULL,
		reason TEXT NOT NULL,
		error TEXT,
		timestamp TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rotations_session ON rotations(session_id);
	`
	_, err := j.db.ExecContext(context.Background(), schema)
	return err
}

// SessionInfo describes a pool when its session starts.
type SessionInfo struct {
	Command     string
	Circuits    int
	MaxQueries  int
	DaemonPID   int
	ProxyPort   int
	ControlPort int
}

// Session is a stored session.
type Session struct {
	ID        string
	StartedAt time.Time
	// EndedAt is zero while the session is running or if it never finished.
	EndedAt time.Time
	SessionInfo
	Operations int64
	Failures   int64
	Rotations  int64
}

// Duration returns how long the session ran, or zero if it has not ended.
func (s Session) Duration() time.Duration {
	if s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Rotation is a stored identity rotation.
type Rotation struct {
	ID        int64
	SessionID string
	Circuit   string
	Reason    string
	// Error is empty for a successful rotation.
	Error     string
	Timestamp time.Time
}

// StartSession inserts a session row and returns a Recorder that writes the
// session's events.
func (j *Journal) StartSession(ctx context.Context, info SessionInfo) (*Recorder, error) {
	id := uuid.NewString()
	started := time.Now().UTC()

	query := `
	INSERT INTO sessions (id, command, started_at, circuits, max_queries, daemon_pid, proxy_port, control_port)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := j.db.ExecContext(ctx, query, id, info.Command, formatTimestamp(started),
		info.Circuits, info.MaxQueries, info.DaemonPID, info.ProxyPort, info.ControlPort); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return newRecorder(j, id), nil
}

func (j *Journal) insertRotation(ctx context.Context, sessionID string, ev rotationEvent) error {
	query := `
	INSERT INTO rotations (session_id, circuit, reason, error, timestamp)
	VALUES (?, ?, ?, ?, ?)
	`
	var errText sql.NullString
	if ev.err != nil {
		errText = sql.NullString{String: ev.err.Error(), Valid: true}
	}
	_, err := j.db.ExecContext(ctx, query, sessionID, ev.circuit, ev.reason, errText, formatTimestamp(ev.at))
	if err != nil {
		return fmt.Errorf("failed to insert rotation: %w", err)
	}
	return nil
}

func (j *Journal) setDaemon(ctx context.Context, id string, pid, proxyPort, controlPort int) error {
	query := `
	UPDATE sessions SET daemon_pid = ?, proxy_port = ?, control_port = ?
	WHERE id = ?
	`
	if _, err := j.db.ExecContext(ctx, query, pid, proxyPort, controlPort, id); err != nil {
		return fmt.Errorf("failed to update session daemon: %w", err)
	}
	return nil
}

func (j *Journal) finishSession(ctx context.Context, id string, operations, failures, rotations int64) error {
	query := `
	UPDATE sessions SET ended_at = ?, operations = ?, failures = ?, rotations = ?
	WHERE id = ?
	`
	if _, err := j.db.ExecContext(ctx, query, formatTimestamp(time.Now().UTC()), operations, failures, rotations, id); err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	return nil
}

// Sessions returns up to limit sessions, newest first. limit <= 0 returns all.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	query := `
	SELECT id, command, started_at, ended_at, circuits, max_queries,
	       COALESCE(daemon_pid, 0), COALESCE(proxy_port, 0), COALESCE(control_port, 0),
	       operations, failures, rotations
	FROM sessions
	ORDER BY started_at DESC, rowid DESC
	LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started string
		var ended sql.NullString
		if err := rows.Scan(&s.ID, &s.Command, &started, &ended, &s.Circuits, &s.MaxQueries,
			&s.DaemonPID, &s.ProxyPort, &s.ControlPort, &s.Operations, &s.Failures, &s.Rotations); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = parseTimestamp(started)
		if ended.Valid {
			s.EndedAt = parseTimestamp(ended.String)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Rotations returns the rotations of a session in the order they happened.
func (j *Journal) Rotations(ctx context.Context, sessionID string) ([]Rotation, error) {
	query := `
	SELECT id, session_id, circuit, reason, COALESCE(error, ''), timestamp
	FROM rotations
	WHERE session_id = ?
	ORDER BY id
	`
	rows, err := j.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rotations: %w", err)
	}
	defer rows.Close()

	var rotations []Rotation
	for rows.Next() {
		var r Rotation
		var ts string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Circuit, &r.Reason, &r.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan rotation: %w", err)
		}
		r.Timestamp = parseTimestamp(ts)
		rotations = append(rotations, r)
	}
	return rotations, rows.Err()
}

// timestampLayout has a fixed-width fraction so stored timestamps sort
// lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// timestampFormats are tried in order when reading timestamps back.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseTimestamp returns the zero time when s matches no known format.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
