// Package store persists classified benchmark records in SQLite for the
// reporting layer.
//
// Schema:
//
//	sessions  one row per orchestrator run (uuid id, mode, timing)
//	records   one row per unit of work
//	versions  one row per library version query
//	run_ids   the highest run id ever handed to a child
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randomizedcoder/go-matbench/internal/converge"
	"github.com/randomizedcoder/go-matbench/internal/job"
	"github.com/randomizedcoder/go-matbench/internal/orchestrator"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",   // Write-Ahead Logging
	"PRAGMA synchronous=NORMAL", // Balance safety and performance
	"PRAGMA foreign_keys=ON",    // Enable foreign keys
	"PRAGMA busy_timeout=5000",  // 5s timeout for locks
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		mode        TEXT NOT NULL,
		started_at  INTEGER NOT NULL,
		finished_at INTEGER,
		halted      INTEGER NOT NULL DEFAULT 0,
		plan        TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		mode        TEXT NOT NULL,
		library     TEXT NOT NULL,
		operation   TEXT NOT NULL,
		size        INTEGER NOT NULL,
		run_id      INTEGER NOT NULL,
		reason      TEXT NOT NULL,
		message     TEXT,
		trial_times TEXT,
		mean_ns     INTEGER NOT NULL DEFAULT 0,
		peak_mb     INTEGER NOT NULL DEFAULT 0,
		iterations  INTEGER NOT NULL DEFAULT 0,
		stop        TEXT,
		elapsed_ns  INTEGER NOT NULL DEFAULT 0,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS versions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id  TEXT NOT NULL,
		library     TEXT NOT NULL,
		version     TEXT,
		reason      TEXT NOT NULL,
		recorded_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_ids (
		id   INTEGER PRIMARY KEY CHECK (id = 1),
		last INTEGER NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id)",
	"CREATE INDEX IF NOT EXISTS idx_records_unit ON records(library, operation, size)",
}

// Store is a SQLite-backed record store. It implements orchestrator.Recorder.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (and if needed creates) the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One trial at a time; a single connection also keeps :memory: coherent
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logger.Debug("store_opened", "path", path)
	return &Store{db: db, path: path, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Session is one orchestrator run.
type Session struct {
	ID       string
	Mode     string
	Started  time.Time
	Finished time.Time
	Halted   bool
	Plan     string
}

// BeginSession inserts a session row.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if _, err := uuid.Parse(sess.ID); err != nil {
		return fmt.Errorf("invalid session id %q: %w", sess.ID, err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, mode, started_at, plan) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Mode, sess.Started.UnixNano(), sess.Plan)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FinishSession marks a session finished.
func (s *Store) FinishSession(ctx context.Context, id string, finished time.Time, halted bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, halted = ? WHERE id = ?`,
		finished.UnixNano(), halted, id)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// Record implements orchestrator.Recorder.
func (s *Store) Record(ctx context.Context, rec orchestrator.Record) error {
	reason := rec.Reason()
	var (
		message string
		times   []int64
		mean    time.Duration
	)
	if rec.Outcome != nil {
		message = rec.Outcome.Message
		for _, d := range rec.Outcome.TrialTimes {
			times = append(times, d.Nanoseconds())
		}
		mean = rec.Outcome.MeanTrialTime()
	}
	timesJSON, err := json.Marshal(times)
	if err != nil {
		return fmt.Errorf("encode trial times: %w", err)
	}

	recorded := rec.Time
	if recorded.IsZero() {
		recorded = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (
			session_id, mode, library, operation, size, run_id, reason, message,
			trial_times, mean_ns, peak_mb, iterations, stop, elapsed_ns, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, string(rec.Mode), rec.Library, rec.Operation, rec.Size, rec.RunID,
		string(reason), message, string(timesJSON), mean.Nanoseconds(), rec.PeakMB,
		rec.Iterations, string(rec.Stop), rec.Elapsed.Nanoseconds(), recorded.UnixNano())
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// RecordVersion stores the result of a version query.
func (s *Store) RecordVersion(ctx context.Context, sessionID string, info orchestrator.VersionInfo) error {
	reason := job.ReasonMiscException
	if info.Outcome != nil {
		reason = info.Outcome.Reason
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (session_id, library, version, reason, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, info.Library, info.Version, string(reason), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// NoteRunID raises the stored run id high-water mark to id. Every child
// counts, including converger descent runs and version queries that never
// produce a record.
func (s *Store) NoteRunID(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_ids (id, last) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET last = MAX(last, excluded.last)`, id)
	if err != nil {
		return fmt.Errorf("note run id: %w", err)
	}
	return nil
}

// MaxRunID returns the largest run id ever handed out, 0 for an empty
// store. Seeding the orchestrator from it keeps run ids increasing across
// sessions.
func (s *Store) MaxRunID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(m) FROM (
			SELECT MAX(run_id) AS m FROM records
			UNION ALL
			SELECT last FROM run_ids
		)`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max run id: %w", err)
	}
	return id.Int64, nil
}

// LatestSession returns the most recently started session, optionally
// restricted to mode.
func (s *Store) LatestSession(ctx context.Context, mode string) (Session, error) {
	query := `SELECT id, mode, started_at, finished_at, halted, plan FROM sessions`
	var args []any
	if mode != "" {
		query += ` WHERE mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY started_at DESC LIMIT 1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("latest session: %w", ErrNotFound)
	}
	return sess, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess     Session
		started  int64
		finished sql.NullInt64
		plan     sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Mode, &started, &finished, &sess.Halted, &plan); err != nil {
		return Session{}, err
	}
	sess.Started = time.Unix(0, started)
	if finished.Valid {
		sess.Finished = time.Unix(0, finished.Int64)
	}
	sess.Plan = plan.String
	return sess, nil
}

// Records returns the records of a session in insertion order.
func (s *Store) Records(ctx context.Context, sessionID string) ([]orchestrator.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, mode, library, operation, size, run_id, reason, message,
		       trial_times, peak_mb, iterations, stop, elapsed_ns, recorded_at
		FROM records WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.Record
	for rows.Next() {
		var (
			rec       orchestrator.Record
			mode      string
			reason    string
			message   sql.NullString
			timesJSON sql.NullString
			stop      sql.NullString
			elapsed   int64
			recorded  int64
		)
		if err := rows.Scan(&rec.SessionID, &mode, &rec.Library, &rec.Operation, &rec.Size,
			&rec.RunID, &reason, &message, &timesJSON, &rec.PeakMB, &rec.Iterations,
			&stop, &elapsed, &recorded); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		oc := &job.Outcome{RunID: rec.RunID, Reason: job.Reason(reason), Message: message.String}
		if timesJSON.Valid && timesJSON.String != "" {
			var ns []int64
			if err := json.Unmarshal([]byte(timesJSON.String), &ns); err != nil {
				return nil, fmt.Errorf("decode trial times: %w", err)
			}
			for _, n := range ns {
				oc.TrialTimes = append(oc.TrialTimes, time.Duration(n))
			}
		}

		rec.Mode = orchestrator.Mode(mode)
		rec.Outcome = oc
		rec.Stop = converge.StopReason(stop.String)
		rec.Elapsed = time.Duration(elapsed)
		rec.Time = time.Unix(0, recorded)
		out = append(out, rec)
	}
	return out, rows.Err()
}
