package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/track"
)

// newChartFixture builds a web server backed by a fresh database holding
// one finished session with servo samples and phase transitions.
func newChartFixture(t *testing.T) (*WebServer, string) {
	t.Helper()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "monitor_test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	started := time.UnixMilli(1700000000000)
	sessionID, err := database.StartSession("mock", "{}", started)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	for i := 0; i < 20; i++ {
		sample := db.ServoSample{
			FrameIndex:    int64(i),
			TsUnixMs:      started.UnixMilli() + int64(i)*100,
			TsMonoMs:      int64(i) * 100,
			Phase:         string(track.PhaseTracking),
			ErrorX:        0.1,
			ErrorY:        -0.05,
			Coverage:      0.02,
			CommandedPan:  0.4,
			CommandedTilt: -0.2,
			CommandedZoom: 0,
		}
		if err := database.RecordServoSample(sessionID, sample); err != nil {
			t.Fatalf("failed to record sample: %v", err)
		}
	}

	if err := database.RecordTransition(sessionID, "idle", "searching", started.Add(1*time.Second)); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}
	if err := database.RecordTransition(sessionID, "searching", "tracking", started.Add(3*time.Second)); err != nil {
		t.Fatalf("failed to record transition: %v", err)
	}

	if err := database.EndSession(sessionID, started.Add(10*time.Second)); err != nil {
		t.Fatalf("failed to end session: %v", err)
	}

	server, _ := newTestWebServer(t)
	server.db = database
	return server, sessionID
}

func getChart(t *testing.T, server *WebServer, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)
	return rr
}

func TestWebServer_ChartErrorsJSON(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/api/charts/errors?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	var data ErrorSeriesData
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if data.SessionID != sessionID {
		t.Errorf("session_id = %q, want %q", data.SessionID, sessionID)
	}
	if data.NumSamples != 20 {
		t.Errorf("num_samples = %d, want 20", data.NumSamples)
	}
	if len(data.ErrorX) != 20 {
		t.Fatalf("error_x length = %d, want 20", len(data.ErrorX))
	}
	if data.ErrorX[0].Value != 0.1 {
		t.Errorf("error_x[0] = %f, want 0.1", data.ErrorX[0].Value)
	}
	if data.ErrorY[0].Value != -0.05 {
		t.Errorf("error_y[0] = %f, want -0.05", data.ErrorY[0].Value)
	}
}

func TestWebServer_ChartErrorsJSON_DefaultSession(t *testing.T) {
	server, sessionID := newChartFixture(t)

	// No session parameter falls back to the most recent session
	rr := getChart(t, server, "/api/charts/errors")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	var data ErrorSeriesData
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if data.SessionID != sessionID {
		t.Errorf("session_id = %q, want %q", data.SessionID, sessionID)
	}
}

func TestWebServer_ChartErrorsJSON_UnknownSession(t *testing.T) {
	server, _ := newChartFixture(t)

	rr := getChart(t, server, "/api/charts/errors?session=no-such-session")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
}

func TestWebServer_ChartErrorsJSON_NoDB(t *testing.T) {
	server, _ := newTestWebServer(t)

	rr := getChart(t, server, "/api/charts/errors")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 without a database, got %d", rr.Code)
	}
}

func TestWebServer_ChartErrorsJSON_MethodNotAllowed(t *testing.T) {
	server, _ := newChartFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/charts/errors", nil)
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebServer_ChartCommandsJSON(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/api/charts/commands?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	var data CommandSeriesData
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(data.Pan) != 20 {
		t.Fatalf("pan length = %d, want 20", len(data.Pan))
	}
	if data.Pan[0].Value != 0.4 {
		t.Errorf("pan[0] = %f, want 0.4", data.Pan[0].Value)
	}
	if data.Tilt[0].Value != -0.2 {
		t.Errorf("tilt[0] = %f, want -0.2", data.Tilt[0].Value)
	}
}

func TestWebServer_ChartPhasesJSON(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/api/charts/phases?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	var data PhaseTimelineData
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// idle 0-1s, searching 1-3s, tracking 3-10s
	if len(data.Spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(data.Spans))
	}
	if data.TotalsSec["idle"] != 1 {
		t.Errorf("idle total = %f, want 1", data.TotalsSec["idle"])
	}
	if data.TotalsSec["searching"] != 2 {
		t.Errorf("searching total = %f, want 2", data.TotalsSec["searching"])
	}
	if data.TotalsSec["tracking"] != 7 {
		t.Errorf("tracking total = %f, want 7", data.TotalsSec["tracking"])
	}
}

func TestWebServer_ChartMetricsJSON(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/api/charts/metrics?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	var data TrackingMetrics
	if err := json.Unmarshal(rr.Body.Bytes(), &data); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if data.NumSamples != 20 {
		t.Errorf("num_samples = %d, want 20", data.NumSamples)
	}
	if data.TrackingPct != 100 {
		t.Errorf("tracking_pct = %f, want 100", data.TrackingPct)
	}
	if data.MaxAbsError != 0.1 {
		t.Errorf("max_abs_error = %f, want 0.1", data.MaxAbsError)
	}
}

func TestWebServer_ErrorsChartHTML(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/charts/errors?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}

	if ctype := rr.Header().Get("Content-Type"); !strings.Contains(ctype, "text/html") {
		t.Errorf("content type = %q, want text/html", ctype)
	}
	if !strings.Contains(rr.Body.String(), "echarts") {
		t.Error("rendered page should reference echarts")
	}
}

func TestWebServer_ErrorPlaneChartHTML(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/charts/plane?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "echarts") {
		t.Error("rendered page should reference echarts")
	}
}

func TestWebServer_CommandsChartHTML(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/charts/commands?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebServer_PhasesChartHTML(t *testing.T) {
	server, sessionID := newChartFixture(t)

	rr := getChart(t, server, "/charts/phases?session="+sessionID)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "Time in Phase") {
		t.Error("rendered page should contain the chart title")
	}
}

func TestWebServer_ErrorsChartHTML_NoSamples(t *testing.T) {
	server, _ := newChartFixture(t)

	// A second session with no samples
	started := time.UnixMilli(1700009000000)
	emptyID, err := server.db.StartSession("mock", "{}", started)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	rr := getChart(t, server, "/charts/errors?session="+emptyID)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a session without samples, got %d", rr.Code)
	}
}

func TestWebServer_Dashboard(t *testing.T) {
	server, _ := newChartFixture(t)

	rr := getChart(t, server, "/dashboard?session=abc-123")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "/charts/errors?session=abc-123") {
		t.Error("dashboard should link the errors chart with the session query")
	}
	if !strings.Contains(body, "/charts/phases?session=abc-123") {
		t.Error("dashboard should link the phases chart with the session query")
	}
	if !strings.Contains(body, "abc-123") {
		t.Error("dashboard should show the session id")
	}
}

func TestWebServer_Dashboard_NoSession(t *testing.T) {
	server, _ := newChartFixture(t)

	rr := getChart(t, server, "/dashboard")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `/charts/errors"`) {
		t.Error("dashboard should link the errors chart without a query string")
	}
	if !strings.Contains(body, "latest") {
		t.Error("dashboard should label the latest session")
	}
}

func TestWebServer_Dashboard_EscapesSession(t *testing.T) {
	server, _ := newChartFixture(t)

	rr := getChart(t, server, "/dashboard?session="+"%3Cscript%3E")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rr.Code)
	}

	if strings.Contains(rr.Body.String(), "<script>") {
		t.Error("dashboard must escape the session id")
	}
}
