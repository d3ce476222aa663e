package loc

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store logs published poses to SQLite. Each process run is a session
// identified by a random UUID.
type Store struct {
	db      *sql.DB
	session string
}

// PoseRecord is one logged cycle
type PoseRecord struct {
	Session      string    `json:"session"`
	X            float64   `json:"x"`
	Y            float64   `json:"y"`
	Heading      float64   `json:"heading"` // degrees
	Confidence   float64   `json:"confidence"`
	Error        float64   `json:"error"`
	ValidSensors int       `json:"validSensors"`
	Validated    bool      `json:"validated"`
	GlobalSearch bool      `json:"globalSearch"`
	Timestamp    time.Time `json:"timestamp"`
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS poses (
		pose_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		x DOUBLE,
		y DOUBLE,
		heading DOUBLE,
		confidence DOUBLE,
		error DOUBLE,
		valid_sensors INTEGER,
		validated INTEGER,
		global_search INTEGER,
		recorded_at INTEGER,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
	CREATE TABLE IF NOT EXISTS events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		event TEXT,
		reason TEXT,
		recorded_at INTEGER,
		FOREIGN KEY(session_id) REFERENCES sessions(session_id)
	);
`

// OpenStore opens (or creates) the pose log and starts a new session
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open pose store: %w", err)
	}
	// a single writer avoids SQLITE_BUSY on the control loop
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create pose schema: %w", err)
	}

	s := &Store{db: db, session: uuid.New().String()}
	if _, err := db.Exec("INSERT INTO sessions (session_id) VALUES (?)", s.session); err != nil {
		db.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// Session returns the current session id
func (s *Store) Session() string { return s.session }

// Close closes the database
func (s *Store) Close() error { return s.db.Close() }

// RecordPose logs one published snapshot
func (s *Store) RecordPose(ctx context.Context, snap Snapshot) error {
	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO poses (session_id, x, y, heading, confidence, error,
			valid_sensors, validated, global_search, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session,
		snap.Estimate.Position.X, snap.Estimate.Position.Y,
		snap.Estimate.HeadingDegrees(), snap.Estimate.Confidence, snap.Error,
		snap.ValidSensors, snap.Validated, snap.GlobalSearch, ts.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert pose: %w", err)
	}
	return nil
}

// RecordEvent logs a lifecycle event such as a reset
func (s *Store) RecordEvent(ctx context.Context, event, reason string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (session_id, event, reason, recorded_at) VALUES (?, ?, ?, ?)",
		s.session, event, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentPoses returns up to limit poses of the current session, newest first
func (s *Store) RecentPoses(ctx context.Context, limit int) ([]PoseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, x, y, heading, confidence, error,
			valid_sensors, validated, global_search, recorded_at
		FROM poses WHERE session_id = ?
		ORDER BY pose_id DESC LIMIT ?`, s.session, limit)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var out []PoseRecord
	for rows.Next() {
		var r PoseRecord
		var ns int64
		if err := rows.Scan(&r.Session, &r.X, &r.Y, &r.Heading, &r.Confidence, &r.Error,
			&r.ValidSensors, &r.Validated, &r.GlobalSearch, &ns); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		r.Timestamp = time.Unix(0, ns)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEvents returns how many events named event were logged this session
func (s *Store) CountEvents(ctx context.Context, event string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE session_id = ? AND event = ?",
		s.session, event).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
