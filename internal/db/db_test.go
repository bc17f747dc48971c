package db

import (
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// setupTestDB creates a migrated database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "kestrel_test.db")

	database, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return database
}

func TestStartAndEndSession(t *testing.T) {
	database := setupTestDB(t)

	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	id, err := database.StartSession("isapi", `{"tracking":{}}`, started)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id %q is not a uuid: %v", id, err)
	}

	s, err := database.Session(id)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	if s.Driver != "isapi" {
		t.Errorf("driver = %q, want isapi", s.Driver)
	}
	if s.ConfigJSON != `{"tracking":{}}` {
		t.Errorf("config_json = %q", s.ConfigJSON)
	}
	if s.StartedAtUnixMs != started.UnixMilli() {
		t.Errorf("started_at = %d, want %d", s.StartedAtUnixMs, started.UnixMilli())
	}
	if s.EndedAtUnixMs != nil {
		t.Errorf("ended_at should be nil for a running session, got %d", *s.EndedAtUnixMs)
	}

	ended := started.Add(2 * time.Minute)
	if err := database.EndSession(id, ended); err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}

	s, err = database.Session(id)
	if err != nil {
		t.Fatalf("Session after end failed: %v", err)
	}
	if s.EndedAtUnixMs == nil || *s.EndedAtUnixMs != ended.UnixMilli() {
		t.Errorf("ended_at = %v, want %d", s.EndedAtUnixMs, ended.UnixMilli())
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	database := setupTestDB(t)

	if err := database.EndSession("no-such-session", time.Now()); err == nil {
		t.Fatal("expected error ending unknown session")
	}
}

func TestSessionUnknownIDWrapsNoRows(t *testing.T) {
	database := setupTestDB(t)

	_, err := database.Session("no-such-session")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("error should wrap sql.ErrNoRows, got %v", err)
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	database := setupTestDB(t)

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := database.StartSession("mock", "", base.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("StartSession %d failed: %v", i, err)
		}
		ids = append(ids, id)
	}

	sessions, err := database.Sessions(2)
	if err != nil {
		t.Fatalf("Sessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != ids[2] || sessions[1].ID != ids[1] {
		t.Errorf("sessions not newest first: got %s, %s", sessions[0].ID, sessions[1].ID)
	}
}

func TestRecordTransitionAndQuery(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartSession("mock", "", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	if err := database.RecordTransition(id, "idle", "tracking", at); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}
	if err := database.RecordTransition(id, "tracking", "searching", at.Add(time.Second)); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}

	transitions, err := database.Transitions(id)
	if err != nil {
		t.Fatalf("Transitions failed: %v", err)
	}
	if len(transitions) != 2 {
		t.Fatalf("got %d transitions, want 2", len(transitions))
	}
	if transitions[0].FromPhase != "idle" || transitions[0].ToPhase != "tracking" {
		t.Errorf("first transition = %s>%s", transitions[0].FromPhase, transitions[0].ToPhase)
	}
	if transitions[1].AtUnixMs != at.Add(time.Second).UnixMilli() {
		t.Errorf("second transition at = %d", transitions[1].AtUnixMs)
	}
}

func TestRecordServoSampleAndQuery(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartSession("pelco", "", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		sample := ServoSample{
			FrameIndex:    int64(i + 1),
			TsUnixMs:      1700000000000 + int64(i)*33,
			TsMonoMs:      int64(i) * 33,
			Phase:         "tracking",
			ErrorX:        0.1 * float64(i),
			ErrorY:        -0.05,
			Coverage:      0.04,
			CommandedPan:  0.3,
			CommandedTilt: -0.1,
			CommandedZoom: 0.0,
		}
		if err := database.RecordServoSample(id, sample); err != nil {
			t.Fatalf("RecordServoSample %d failed: %v", i, err)
		}
	}

	samples, err := database.ServoSamples(id, 0)
	if err != nil {
		t.Fatalf("ServoSamples failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(samples))
	}
	for i, s := range samples {
		if s.FrameIndex != int64(i+1) {
			t.Errorf("sample %d frame_index = %d, not in monotonic order", i, s.FrameIndex)
		}
	}
	if samples[2].ErrorX != 0.2 {
		t.Errorf("sample 2 error_x = %f, want 0.2", samples[2].ErrorX)
	}

	limited, err := database.ServoSamples(id, 2)
	if err != nil {
		t.Fatalf("ServoSamples with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d samples with limit 2", len(limited))
	}
}

func TestRecordFaultAndQuery(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartSession("isapi", "", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	at := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
	if err := database.RecordFault(id, "watchdog", "pipeline stalled", 750*time.Millisecond, at); err != nil {
		t.Fatalf("RecordFault failed: %v", err)
	}

	faults, err := database.Faults(id)
	if err != nil {
		t.Fatalf("Faults failed: %v", err)
	}
	if len(faults) != 1 {
		t.Fatalf("got %d faults, want 1", len(faults))
	}
	f := faults[0]
	if f.Kind != "watchdog" || f.Detail != "pipeline stalled" {
		t.Errorf("fault = %+v", f)
	}
	if f.StalledMs != 750 {
		t.Errorf("stalled_ms = %d, want 750", f.StalledMs)
	}
	if f.AtUnixMs != at.UnixMilli() {
		t.Errorf("at_unix_ms = %d, want %d", f.AtUnixMs, at.UnixMilli())
	}
}

func TestGetDatabaseStats(t *testing.T) {
	database := setupTestDB(t)

	id, err := database.StartSession("mock", "", time.Now())
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := database.RecordServoSample(id, ServoSample{FrameIndex: 1, Phase: "tracking"}); err != nil {
		t.Fatalf("RecordServoSample failed: %v", err)
	}

	stats, err := database.GetDatabaseStats()
	if err != nil {
		t.Fatalf("GetDatabaseStats failed: %v", err)
	}
	if stats.TotalSizeMB <= 0 {
		t.Error("expected non-zero total size")
	}

	counts := map[string]int64{}
	for _, table := range stats.Tables {
		counts[table.Name] = table.RowCount
	}
	for _, name := range []string{"sessions", "servo_samples", "phase_transitions", "faults"} {
		if _, ok := counts[name]; !ok {
			t.Errorf("stats missing table %s", name)
		}
	}
	if counts["sessions"] != 1 {
		t.Errorf("sessions row count = %d, want 1", counts["sessions"])
	}
	if counts["servo_samples"] != 1 {
		t.Errorf("servo_samples row count = %d, want 1", counts["servo_samples"])
	}
}

func TestAttachAdminRoutesRegistersEndpoints(t *testing.T) {
	database := setupTestDB(t)

	mux := http.NewServeMux()
	database.AttachAdminRoutes(mux)

	// Routes may reject the request (auth, method) but must exist.
	endpoints := []string{
		"/debug/db-stats",
		"/debug/backup",
		"/debug/tailsql/",
	}

	for _, endpoint := range endpoints {
		t.Run(endpoint, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, endpoint, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code == http.StatusNotFound {
				t.Errorf("endpoint %s should be registered, got 404", endpoint)
			}
		})
	}
}
