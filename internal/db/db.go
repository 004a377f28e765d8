// Package db stores acquisition sessions in SQLite: the drained position
// events, the TTL events and the status messages of each session.
package db

import (
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

// ErrNoSession is returned when a session does not exist.
var ErrNoSession = errors.New("no such session")

// pragmas are applied to every pooled connection.
const pragmas = "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=temp_store(MEMORY)&_pragma=foreign_keys(ON)"

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the database at path and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+pragmas)
	if err != nil {
		return nil, err
	}
	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*1e9))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Session is one acquisition run.
type Session struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	SampleRate float64    `json:"sample_rate"`
	Positions  int64      `json:"positions"`
	TTLEvents  int64      `json:"ttl_events"`
}

// PositionRow is one stored position event.
type PositionRow struct {
	SessionID   string  `json:"session_id"`
	Sample      int64   `json:"sample"`
	TimestampMs int64   `json:"timestamp_ms"`
	Processor   string  `json:"processor"`
	Port        int     `json:"port"`
	Address     string  `json:"address"`
	Color       string  `json:"color"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Recording   bool    `json:"recording"`
}

// TTLRow is one stored TTL edge.
type TTLRow struct {
	SessionID string `json:"session_id"`
	Sample    int64  `json:"sample"`
	Processor string `json:"processor"`
	Line      int    `json:"line"`
	State     bool   `json:"state"`
	Recording bool   `json:"recording"`
}

// StatusRow is one stored status message.
type StatusRow struct {
	ID       int64     `json:"id"`
	LoggedAt time.Time `json:"logged_at"`
	Message  string    `json:"message"`
}

// StartSession records the start of an acquisition session.
func (db *DB) StartSession(id string, at time.Time, sampleRate float64) error {
	_, err := db.Exec(`INSERT INTO sessions (id, started_at, sample_rate) VALUES (?, ?, ?)`,
		id, unixSeconds(at), sampleRate)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// EndSession records the end of a session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE id = ?`, unixSeconds(at), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSession, id)
	}
	return nil
}

// WriteBatch stores positions and TTL edges in one transaction.
func (db *DB) WriteBatch(positions []PositionRow, ttls []TTLRow) error {
	if len(positions) == 0 && len(ttls) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(positions) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO positions (
			session_id, sample, timestamp_ms, processor, port, address, color,
			x, y, width, height, recording
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range positions {
			if _, err := stmt.Exec(p.SessionID, p.Sample, p.TimestampMs, p.Processor, p.Port, p.Address, p.Color,
				p.X, p.Y, p.Width, p.Height, boolInt(p.Recording)); err != nil {
				return fmt.Errorf("failed to insert position: %w", err)
			}
		}
	}

	if len(ttls) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO ttl_events (session_id, sample, processor, line, state, recording)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range ttls {
			if _, err := stmt.Exec(e.SessionID, e.Sample, e.Processor, e.Line, boolInt(e.State), boolInt(e.Recording)); err != nil {
				return fmt.Errorf("failed to insert ttl event: %w", err)
			}
		}
	}
	return tx.Commit()
}

// RecordStatus stores a status message.
func (db *DB) RecordStatus(at time.Time, msg string) error {
	_, err := db.Exec(`INSERT INTO status_log (logged_at, message) VALUES (?, ?)`, unixSeconds(at), msg)
	return err
}

const sessionColumns = `s.id, s.started_at, s.ended_at, s.sample_rate,
	(SELECT COUNT(*) FROM positions p WHERE p.session_id = s.id),
	(SELECT COUNT(*) FROM ttl_events t WHERE t.session_id = s.id)`

func scanSession(row interface{ Scan(...any) error }) (Session, error) {
	var (
		s       Session
		started float64
		ended   sql.NullFloat64
	)
	if err := row.Scan(&s.ID, &started, &ended, &s.SampleRate, &s.Positions, &s.TTLEvents); err != nil {
		return Session{}, err
	}
	s.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		s.EndedAt = &t
	}
	return s, nil
}

// Sessions returns up to limit sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	rows, err := db.Query(`SELECT `+sessionColumns+` FROM sessions s ORDER BY s.started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Session returns one session. An empty id selects the most recent.
func (db *DB) Session(id string) (Session, error) {
	var row *sql.Row
	if id == "" {
		row = db.QueryRow(`SELECT ` + sessionColumns + ` FROM sessions s ORDER BY s.started_at DESC LIMIT 1`)
	} else {
		row = db.QueryRow(`SELECT `+sessionColumns+` FROM sessions s WHERE s.id = ?`, id)
	}
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNoSession
	}
	return s, err
}

// Positions returns a session's position events in sample order. A limit of
// zero or less returns all of them.
func (db *DB) Positions(sessionID string, limit int) ([]PositionRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT session_id, sample, timestamp_ms, processor, port, address, color,
			x, y, width, height, recording
		FROM positions WHERE session_id = ? ORDER BY sample, rowid LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var (
			p   PositionRow
			rec int
		)
		if err := rows.Scan(&p.SessionID, &p.Sample, &p.TimestampMs, &p.Processor, &p.Port, &p.Address, &p.Color,
			&p.X, &p.Y, &p.Width, &p.Height, &rec); err != nil {
			return nil, err
		}
		p.Recording = rec != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// TTLEvents returns a session's TTL edges in sample order.
func (db *DB) TTLEvents(sessionID string) ([]TTLRow, error) {
	rows, err := db.Query(`SELECT session_id, sample, processor, line, state, recording
		FROM ttl_events WHERE session_id = ? ORDER BY sample, rowid`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TTLRow
	for rows.Next() {
		var (
			e          TTLRow
			state, rec int
		)
		if err := rows.Scan(&e.SessionID, &e.Sample, &e.Processor, &e.Line, &state, &rec); err != nil {
			return nil, err
		}
		e.State = state != 0
		e.Recording = rec != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// StatusLog returns up to limit status messages, newest first.
func (db *DB) StatusLog(limit int) ([]StatusRow, error) {
	rows, err := db.Query(`SELECT id, logged_at, message FROM status_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusRow
	for rows.Next() {
		var (
			s  StatusRow
			at float64
		)
		if err := rows.Scan(&s.ID, &at, &s.Message); err != nil {
			return nil, err
		}
		s.LoggedAt = fromUnixSeconds(at)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Tracking DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("tracking-backup-%d.db", time.Now().Unix()))
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to write backup file: %v", err)
		}
	}))
}
