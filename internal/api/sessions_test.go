package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/track"
	"github.com/kestrel-vision/kestrel/internal/vision"
)

// newSessionTestServer builds a server with a real temp-file store and
// one recorded session.
func newSessionTestServer(t *testing.T) (*Server, *db.DB, string) {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "api_test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	id, err := database.StartSession("mock", `{}`, started)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := database.RecordTransition(id, "idle", "tracking", started.Add(time.Second)); err != nil {
		t.Fatalf("RecordTransition failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		sample := db.ServoSample{
			FrameIndex: int64(i + 1),
			TsMonoMs:   int64(i) * 33,
			Phase:      "tracking",
			ErrorX:     0.01 * float64(i),
		}
		if err := database.RecordServoSample(id, sample); err != nil {
			t.Fatalf("RecordServoSample failed: %v", err)
		}
	}
	if err := database.RecordFault(id, "watchdog", "stalled", 900*time.Millisecond, started.Add(time.Minute)); err != nil {
		t.Fatalf("RecordFault failed: %v", err)
	}

	loop := track.NewLoop(track.LoopConfig{
		Tracking: config.DefaultTrackingConfig(),
		Buffer:   vision.NewFrameBuffer(4),
	})
	server := NewServer(loop, nil, database, config.DefaultTrackingConfig(), nil)
	return server, database, id
}

func TestListSessions(t *testing.T) {
	server, _, id := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var sessions []db.Session
	if err := json.NewDecoder(w.Body).Decode(&sessions); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].ID != id || sessions[0].Driver != "mock" {
		t.Errorf("session = %+v", sessions[0])
	}
}

func TestListSessionsTimezone(t *testing.T) {
	server, _, _ := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions?tz=America/New_York", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var views []struct {
		db.Session
		StartedAt string `json:"started_at"`
	}
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatalf("failed to decode sessions: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("got %d sessions, want 1", len(views))
	}

	// The rendered time names the same instant in the requested zone.
	rendered, err := time.Parse(time.RFC3339, views[0].StartedAt)
	if err != nil {
		t.Fatalf("started_at %q is not RFC 3339: %v", views[0].StartedAt, err)
	}
	if rendered.UnixMilli() != views[0].StartedAtUnixMs {
		t.Errorf("started_at instant = %d, want %d", rendered.UnixMilli(), views[0].StartedAtUnixMs)
	}
	if rendered.Format("Z07:00") == "Z" {
		t.Errorf("started_at %q still rendered in UTC", views[0].StartedAt)
	}

	w = doRequest(t, server, http.MethodGet, "/api/sessions?tz=Mars/Olympus_Mons", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad timezone status = %d, want 400", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	server, _, id := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var session db.Session
	if err := json.NewDecoder(w.Body).Decode(&session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if session.ID != id {
		t.Errorf("id = %s, want %s", session.ID, id)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	server, _, _ := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions/definitely-not-a-session", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetSessionSamples(t *testing.T) {
	server, _, id := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/samples", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var samples []db.ServoSample
	if err := json.NewDecoder(w.Body).Decode(&samples); err != nil {
		t.Fatalf("failed to decode samples: %v", err)
	}
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}
	if samples[0].FrameIndex != 1 || samples[3].FrameIndex != 4 {
		t.Errorf("samples out of order: %+v", samples)
	}

	// Limit applies
	w = doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/samples?limit=2", nil)
	if err := json.NewDecoder(w.Body).Decode(&samples); err != nil {
		t.Fatalf("failed to decode limited samples: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("got %d samples with limit=2", len(samples))
	}

	// Bad limit rejected
	w = doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/samples?limit=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestGetSessionTransitionsAndFaults(t *testing.T) {
	server, _, id := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/transitions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transitions status = %d, want 200", w.Code)
	}
	var transitions []db.PhaseTransition
	if err := json.NewDecoder(w.Body).Decode(&transitions); err != nil {
		t.Fatalf("failed to decode transitions: %v", err)
	}
	if len(transitions) != 1 || transitions[0].ToPhase != "tracking" {
		t.Errorf("transitions = %+v", transitions)
	}

	w = doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/faults", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("faults status = %d, want 200", w.Code)
	}
	var faults []db.Fault
	if err := json.NewDecoder(w.Body).Decode(&faults); err != nil {
		t.Fatalf("failed to decode faults: %v", err)
	}
	if len(faults) != 1 || faults[0].Kind != "watchdog" || faults[0].StalledMs != 900 {
		t.Errorf("faults = %+v", faults)
	}
}

func TestGetSessionUnknownResource(t *testing.T) {
	server, _, id := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions/"+id+"/nonsense", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestSessionsWithoutStore(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := doRequest(t, server, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestSessionsMethodNotAllowed(t *testing.T) {
	server, _, _ := newSessionTestServer(t)

	w := doRequest(t, server, http.MethodPost, "/api/sessions", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}
