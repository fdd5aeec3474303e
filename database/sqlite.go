package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB implements the Database interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB creates a new SQLite database instance
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %v", err)
	}

	if err := initTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %v", err)
	}

	return &SQLiteDB{db: db}, nil
}

// initTables creates the necessary tables if they don't exist
func initTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS stream_sessions (
			id TEXT PRIMARY KEY,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			preset TEXT NOT NULL,
			source_mode TEXT NOT NULL,
			camera TEXT,
			end_reason TEXT,
			log_path TEXT
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS quality_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			at TIMESTAMP NOT NULL,
			from_preset TEXT NOT NULL,
			to_preset TEXT NOT NULL,
			ratio_pct INTEGER NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS probe_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			at TIMESTAMP NOT NULL,
			size_bytes INTEGER NOT NULL,
			kbps REAL NOT NULL
		)
	`)
	return err
}

func (s *SQLiteDB) CreateSession(session StreamSession) error {
	_, err := s.db.Exec(`
		INSERT INTO stream_sessions (id, started_at, preset, source_mode, camera, log_path)
		VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.StartedAt, session.Preset, session.SourceMode, session.Camera, session.LogPath)
	return err
}

func (s *SQLiteDB) EndSession(id string, reason EndReason, endedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE stream_sessions SET ended_at = ?, end_reason = ? WHERE id = ?`,
		endedAt, string(reason), id)
	return err
}

func (s *SQLiteDB) GetSession(id string) (*StreamSession, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, ended_at, preset, source_mode, camera, end_reason, log_path
		FROM stream_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SQLiteDB) ListSessions(limit, offset int) ([]StreamSession, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, ended_at, preset, source_mode, camera, end_reason, log_path
		FROM stream_sessions ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []StreamSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*StreamSession, error) {
	var session StreamSession
	var endedAt sql.NullTime
	var camera, endReason, logPath sql.NullString

	err := row.Scan(&session.ID, &session.StartedAt, &endedAt,
		&session.Preset, &session.SourceMode, &camera, &endReason, &logPath)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	session.Camera = camera.String
	session.EndReason = EndReason(endReason.String)
	session.LogPath = logPath.String
	return &session, nil
}

func (s *SQLiteDB) RecordTransition(t QualityTransition) error {
	_, err := s.db.Exec(`
		INSERT INTO quality_transitions (session_id, at, from_preset, to_preset, ratio_pct)
		VALUES (?, ?, ?, ?, ?)`,
		t.SessionID, t.At, t.FromPreset, t.ToPreset, t.RatioPct)
	return err
}

func (s *SQLiteDB) ListTransitions(sessionID string) ([]QualityTransition, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, at, from_preset, to_preset, ratio_pct
		FROM quality_transitions WHERE session_id = ? ORDER BY at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []QualityTransition
	for rows.Next() {
		var t QualityTransition
		if err := rows.Scan(&t.ID, &t.SessionID, &t.At, &t.FromPreset, &t.ToPreset, &t.RatioPct); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

func (s *SQLiteDB) RecordProbe(p ProbeResult) error {
	_, err := s.db.Exec(`
		INSERT INTO probe_results (at, size_bytes, kbps) VALUES (?, ?, ?)`,
		p.At, p.SizeBytes, p.Kbps)
	return err
}

func (s *SQLiteDB) ListProbes(limit int) ([]ProbeResult, error) {
	rows, err := s.db.Query(`
		SELECT id, at, size_bytes, kbps FROM probe_results ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var probes []ProbeResult
	for rows.Next() {
		var p ProbeResult
		if err := rows.Scan(&p.ID, &p.At, &p.SizeBytes, &p.Kbps); err != nil {
			return nil, err
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}

// DeleteSessionsBefore removes sessions that ended before the cutoff along
// with their transitions. Used by the history cleanup cron.
func (s *SQLiteDB) DeleteSessionsBefore(cutoff time.Time) (int64, error) {
	_, err := s.db.Exec(`
		DELETE FROM quality_transitions WHERE session_id IN
			(SELECT id FROM stream_sessions WHERE ended_at IS NOT NULL AND ended_at < ?)`, cutoff)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`
		DELETE FROM stream_sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	_, err = s.db.Exec(`DELETE FROM probe_results WHERE at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}
