// Package db persists tracking telemetry to SQLite. Every daemon run
// opens a session; phase transitions, decimated servo samples and
// watchdog faults are recorded against it so a run can be replayed and
// tuned after the fact.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/security"
)

var dbLogf = monitoring.Prefixed("db")

type DB struct {
	*sql.DB
}

// OpenDB opens the SQLite database at path without touching the
// schema. Migration tooling uses this; the daemon calls NewDB.
func OpenDB(path string) (*DB, error) {
	if err := security.ValidateDataPath(path); err != nil {
		return nil, fmt.Errorf("refusing database path: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &DB{sqlDB}, nil
}

// NewDB opens the database and brings the schema up to date from the
// embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	fsys, err := getMigrationsFS()
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.MigrateUp(fsys); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return db, nil
}

// Session is one daemon run. ConfigJSON freezes the tracking config
// the run started with, so recorded samples can be interpreted against
// the gains that produced them.
type Session struct {
	ID              string `json:"id"`
	Driver          string `json:"driver"`
	ConfigJSON      string `json:"config_json,omitempty"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	EndedAtUnixMs   *int64 `json:"ended_at_unix_ms,omitempty"`
}

// StartSession inserts a new session row and returns its generated id.
func (db *DB) StartSession(driver, configJSON string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, driver, config_json, started_at_unix_ms)
		 VALUES (?, ?, ?, ?)`,
		id, driver, configJSON, startedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session's end time.
func (db *DB) EndSession(id string, endedAt time.Time) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_at_unix_ms = ? WHERE session_id = ?`,
		endedAt.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no session with id %s", id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first. A limit of
// zero or less uses the default of 50.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, driver, config_json, started_at_unix_ms, ended_at_unix_ms
		 FROM sessions ORDER BY started_at_unix_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Driver, &s.ConfigJSON, &s.StartedAtUnixMs, &ended); err != nil {
			return nil, err
		}
		if ended.Valid {
			v := ended.Int64
			s.EndedAtUnixMs = &v
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// Session returns one session by id. The error wraps sql.ErrNoRows
// when the id is unknown.
func (db *DB) Session(id string) (*Session, error) {
	var s Session
	var ended sql.NullInt64
	err := db.QueryRow(
		`SELECT session_id, driver, config_json, started_at_unix_ms, ended_at_unix_ms
		 FROM sessions WHERE session_id = ?`, id,
	).Scan(&s.ID, &s.Driver, &s.ConfigJSON, &s.StartedAtUnixMs, &ended)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	if ended.Valid {
		v := ended.Int64
		s.EndedAtUnixMs = &v
	}
	return &s, nil
}

type PhaseTransition struct {
	SessionID string `json:"session_id"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	AtUnixMs  int64  `json:"at_unix_ms"`
}

const insertTransitionSQL = `INSERT INTO phase_transitions (session_id, from_phase, to_phase, at_unix_ms)
	 VALUES (?, ?, ?, ?)`

// RecordTransition stores one phase change.
func (db *DB) RecordTransition(sessionID, from, to string, at time.Time) error {
	_, err := db.Exec(insertTransitionSQL, sessionID, from, to, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

// Transitions returns a session's phase changes in time order.
func (db *DB) Transitions(sessionID string) ([]PhaseTransition, error) {
	rows, err := db.Query(
		`SELECT session_id, from_phase, to_phase, at_unix_ms
		 FROM phase_transitions WHERE session_id = ? ORDER BY at_unix_ms ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []PhaseTransition
	for rows.Next() {
		var tr PhaseTransition
		if err := rows.Scan(&tr.SessionID, &tr.FromPhase, &tr.ToPhase, &tr.AtUnixMs); err != nil {
			return nil, err
		}
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return transitions, nil
}

// ServoSample is one decimated control-loop tick.
type ServoSample struct {
	FrameIndex    int64   `json:"frame_index"`
	TsUnixMs      int64   `json:"ts_unix_ms"`
	TsMonoMs      int64   `json:"ts_mono_ms"`
	Phase         string  `json:"phase"`
	ErrorX        float64 `json:"error_x"`
	ErrorY        float64 `json:"error_y"`
	Coverage      float64 `json:"coverage"`
	CommandedPan  float64 `json:"commanded_pan"`
	CommandedTilt float64 `json:"commanded_tilt"`
	CommandedZoom float64 `json:"commanded_zoom"`
}

const insertServoSampleSQL = `INSERT INTO servo_samples (
		session_id, frame_index, ts_unix_ms, ts_mono_ms, phase,
		error_x, error_y, coverage,
		commanded_pan, commanded_tilt, commanded_zoom
	 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// RecordServoSample stores one sample. The batching writer in
// TelemetryRecorder is the hot path; this is for tools and tests.
func (db *DB) RecordServoSample(sessionID string, s ServoSample) error {
	_, err := db.Exec(insertServoSampleSQL,
		sessionID, s.FrameIndex, s.TsUnixMs, s.TsMonoMs, s.Phase,
		s.ErrorX, s.ErrorY, s.Coverage,
		s.CommandedPan, s.CommandedTilt, s.CommandedZoom,
	)
	if err != nil {
		return fmt.Errorf("failed to insert servo sample: %w", err)
	}
	return nil
}

// ServoSamples returns a session's samples in monotonic order. A limit
// of zero or less uses the default of 2000.
func (db *DB) ServoSamples(sessionID string, limit int) ([]ServoSample, error) {
	if limit <= 0 {
		limit = 2000
	}
	rows, err := db.Query(
		`SELECT frame_index, ts_unix_ms, ts_mono_ms, phase,
			error_x, error_y, coverage,
			commanded_pan, commanded_tilt, commanded_zoom
		 FROM servo_samples WHERE session_id = ? ORDER BY ts_mono_ms ASC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []ServoSample
	for rows.Next() {
		var s ServoSample
		if err := rows.Scan(
			&s.FrameIndex, &s.TsUnixMs, &s.TsMonoMs, &s.Phase,
			&s.ErrorX, &s.ErrorY, &s.Coverage,
			&s.CommandedPan, &s.CommandedTilt, &s.CommandedZoom,
		); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return samples, nil
}

// Fault is a recorded watchdog trip or actuator failure.
type Fault struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	StalledMs int64  `json:"stalled_ms,omitempty"`
	AtUnixMs  int64  `json:"at_unix_ms"`
}

// RecordFault stores one fault. stalledFor is zero for faults that are
// not staleness related.
func (db *DB) RecordFault(sessionID, kind, detail string, stalledFor time.Duration, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO faults (session_id, kind, detail, stalled_ms, at_unix_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		sessionID, kind, detail, stalledFor.Milliseconds(), at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert fault: %w", err)
	}
	return nil
}

// Faults returns a session's faults in time order.
func (db *DB) Faults(sessionID string) ([]Fault, error) {
	rows, err := db.Query(
		`SELECT session_id, kind, detail, stalled_ms, at_unix_ms
		 FROM faults WHERE session_id = ? ORDER BY at_unix_ms ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var faults []Fault
	for rows.Next() {
		var f Fault
		if err := rows.Scan(&f.SessionID, &f.Kind, &f.Detail, &f.StalledMs, &f.AtUnixMs); err != nil {
			return nil, err
		}
		faults = append(faults, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return faults, nil
}

type TableStats struct {
	Name     string  `json:"name"`
	RowCount int64   `json:"row_count"`
	SizeMB   float64 `json:"size_mb"`
}

type DatabaseStats struct {
	TotalSizeMB float64      `json:"total_size_mb"`
	Tables      []TableStats `json:"tables"`
}

// GetDatabaseStats reports the database size and per-table row counts.
// Per-table sizes come from the dbstat virtual table and are left at
// zero when the build does not provide it.
func (db *DB) GetDatabaseStats() (*DatabaseStats, error) {
	var pageCount, pageSize int64
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to read page_size: %w", err)
	}

	stats := &DatabaseStats{
		TotalSizeMB: float64(pageCount*pageSize) / (1024 * 1024),
	}

	rows, err := db.Query(
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, name := range names {
		ts := TableStats{Name: name}
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, name)).Scan(&ts.RowCount); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}
		var size sql.NullInt64
		if err := db.QueryRow(`SELECT SUM(pgsize) FROM dbstat WHERE name = ?`, name).Scan(&size); err == nil && size.Valid {
			ts.SizeMB = float64(size.Int64) / (1024 * 1024)
		}
		stats.Tables = append(stats.Tables, ts)
	}

	sort.Slice(stats.Tables, func(i, j int) bool {
		if stats.Tables[i].SizeMB != stats.Tables[j].SizeMB {
			return stats.Tables[i].SizeMB > stats.Tables[j].SizeMB
		}
		return stats.Tables[i].RowCount > stats.Tables[j].RowCount
	})

	return stats, nil
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
	tsql.SetDB("sqlite://kestrel.db", db.DB, &tailsql.DBOptions{
		Label: "Kestrel DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Database table sizes and row counts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.GetDatabaseStats()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to collect database stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			dbLogf("failed to encode db stats: %v", err)
		}
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("kestrel-backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := gzipWriter.Write([]byte{}); err != nil {
			// Need to write something to initialize the gzip header
			http.Error(w, fmt.Sprintf("Failed to initialize gzip writer: %v", err), http.StatusInternalServerError)
			return
		}

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
