package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"tailscale.com/tsweb"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/track"
	"github.com/kestrel-vision/kestrel/internal/vision"
	"github.com/kestrel-vision/kestrel/internal/vision/ingest"
)

//go:embed status.html
var StatusHTML embed.FS

var monitorLogf = monitoring.Prefixed("monitor")

// WebServer handles the HTTP interface for monitoring the tracking
// daemon. It provides endpoints for health checks, a real-time status
// page and session telemetry charts.
type WebServer struct {
	address     string
	cameraID    string
	streamURL   string
	eventPort   int
	loop        *track.Loop
	buffer      *vision.FrameBuffer
	streamStats *ingest.StreamStats
	eventStats  *ingest.EventStats
	watchdog    *track.Watchdog
	db          *db.DB
	server      *http.Server
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address     string
	CameraID    string
	StreamURL   string
	EventPort   int // zero when the UDP event listener is disabled
	Loop        *track.Loop
	Buffer      *vision.FrameBuffer
	StreamStats *ingest.StreamStats
	EventStats  *ingest.EventStats
	Watchdog    *track.Watchdog
	DB          *db.DB
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:     config.Address,
		cameraID:    config.CameraID,
		streamURL:   config.StreamURL,
		eventPort:   config.EventPort,
		loop:        config.Loop,
		buffer:      config.Buffer,
		streamStats: config.StreamStats,
		eventStats:  config.EventStats,
		watchdog:    config.Watchdog,
		db:          config.DB,
	}

	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: ws.setupRoutes(),
	}

	return ws
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log encoding error but response is already started
		monitorLogf("JSON encoding error: %v", err)
	}
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
func (ws *WebServer) Start(ctx context.Context) error {
	// Start server in a goroutine so it doesn't block
	go func() {
		monitorLogf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Wait for context cancellation to shut down server
	<-ctx.Done()
	monitorLogf("shutting down HTTP server...")

	// Create a shutdown context with a shorter timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitorLogf("HTTP server shutdown error: %v", err)
		// Force close the server if graceful shutdown fails
		if err := ws.server.Close(); err != nil {
			monitorLogf("HTTP server force close error: %v", err)
		}
	}

	monitorLogf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)

	// JSON chart data for frontends
	mux.HandleFunc("/api/charts/errors", ws.handleChartErrorsJSON)
	mux.HandleFunc("/api/charts/commands", ws.handleChartCommandsJSON)
	mux.HandleFunc("/api/charts/phases", ws.handleChartPhasesJSON)
	mux.HandleFunc("/api/charts/metrics", ws.handleChartMetricsJSON)

	// Rendered ECharts views
	mux.HandleFunc("/charts/errors", ws.handleErrorsChart)
	mux.HandleFunc("/charts/plane", ws.handleErrorPlaneChart)
	mux.HandleFunc("/charts/commands", ws.handleCommandsChart)
	mux.HandleFunc("/charts/phases", ws.handlePhasesChart)
	mux.HandleFunc("/dashboard", ws.handleDashboard)

	ws.attachDebugRoutes(mux)

	return mux
}

func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("loop-stats", "Control loop throughput for the latest stats window", func(w http.ResponseWriter, r *http.Request) {
		snap := ws.loop.Stats().GetLatestSnapshot()
		if snap == nil {
			ws.writeJSONError(w, http.StatusNotFound, "no stats window completed yet")
			return
		}
		ws.writeJSON(w, http.StatusOK, snap)
	})

	debug.HandleFunc("ingest-stats", "Frame and detection ingest counters", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]interface{}{}
		if ws.streamStats != nil {
			out["stream"] = ws.streamStats.Snapshot()
		}
		if ws.eventStats != nil {
			out["events"] = ws.eventStats.Snapshot()
		}
		ws.writeJSON(w, http.StatusOK, out)
	})

	debug.HandleFunc("watchdog", "Watchdog fault state and loop uptime", func(w http.ResponseWriter, r *http.Request) {
		ws.writeJSON(w, http.StatusOK, map[string]interface{}{
			"faulted":        ws.watchdog != nil && ws.watchdog.Faulted(),
			"uptime_seconds": ws.loop.Stats().GetUptime().Seconds(),
		})
	})
}

// handleHealth handles the health check endpoint
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "kestrel", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// handleStatus handles the main status page endpoint
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	phase := string(track.PhaseIdle)
	if tick, ok := ws.loop.Publisher().Get(); ok {
		phase = string(tick.Phase)
	}

	target := "none"
	if id, ok := ws.loop.Selection(); ok {
		target = fmt.Sprintf("%d", id)
	}

	// Determine event listener status
	eventStatus := "disabled"
	if ws.eventPort > 0 {
		eventStatus = fmt.Sprintf("enabled (:%d)", ws.eventPort)
	}

	// Determine watchdog status
	watchdogStatus := "not running"
	if ws.watchdog != nil {
		watchdogStatus = "ok"
		if ws.watchdog.Faulted() {
			watchdogStatus = "FAULTED"
		}
	}

	var stream *ingest.StreamSnapshot
	if ws.streamStats != nil {
		snap := ws.streamStats.Snapshot()
		stream = &snap
	}
	var events *ingest.EventSnapshot
	if ws.eventStats != nil {
		snap := ws.eventStats.Snapshot()
		events = &snap
	}

	// Load and parse the HTML template from embedded filesystem
	tmpl, err := template.ParseFS(StatusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// Template data
	data := struct {
		CameraID       string
		HTTPAddress    string
		StreamURL      string
		EventStatus    string
		WatchdogStatus string
		Phase          string
		Target         string
		Uptime         string
		Loop           *track.LoopSnapshot
		Buffer         vision.FrameStats
		BufferSize     int
		BufferCap      int
		Stream         *ingest.StreamSnapshot
		Events         *ingest.EventSnapshot
		HasSessions    bool
	}{
		CameraID:       ws.cameraID,
		HTTPAddress:    ws.address,
		StreamURL:      ws.streamURL,
		EventStatus:    eventStatus,
		WatchdogStatus: watchdogStatus,
		Phase:          phase,
		Target:         target,
		Uptime:         ws.loop.Stats().GetUptime().Round(time.Second).String(),
		Loop:           ws.loop.Stats().GetLatestSnapshot(),
		Buffer:         ws.buffer.Stats(),
		BufferSize:     ws.buffer.Size(),
		BufferCap:      ws.buffer.Capacity(),
		Stream:         stream,
		Events:         events,
		HasSessions:    ws.db != nil,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

// Close shuts down the web server
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}
