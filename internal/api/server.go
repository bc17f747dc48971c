// Package api exposes the daemon's REST control surface: tracking
// status and metadata, target selection, manual PTZ overrides, the
// effective configuration, and recorded session telemetry.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/ptz"
	"github.com/kestrel-vision/kestrel/internal/track"
	"github.com/kestrel-vision/kestrel/internal/units"
	"github.com/kestrel-vision/kestrel/internal/version"
)

// Typical wide-end horizontal FOV for the supported camera heads.
// Degree conversion uses this unless the request carries ?fov=.
const defaultFOVDeg = 60.0

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	loop     *track.Loop
	actuator ptz.Actuator
	db       *db.DB
	tracking *config.TrackingConfig
	watchdog *track.Watchdog
}

// NewServer assembles the API around its collaborators. db and
// watchdog may be nil; the session endpoints return 503 without a
// store and the status endpoint omits the fault flag without a
// watchdog.
func NewServer(loop *track.Loop, actuator ptz.Actuator, database *db.DB, tracking *config.TrackingConfig, watchdog *track.Watchdog) *Server {
	if tracking == nil {
		tracking = config.EmptyTrackingConfig()
	}
	return &Server{
		loop:     loop,
		actuator: actuator,
		db:       database,
		tracking: tracking,
		watchdog: watchdog,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400 && statusCode < 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 500:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metadata", s.handleMetadata)
	mux.HandleFunc("/api/target", s.handleTarget)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ptz/home", s.handlePTZHome)
	mux.HandleFunc("/api/ptz/stop", s.handlePTZStop)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessions)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	phase := s.loop.Publisher().Field("phase", track.PhaseIdle).(track.Phase)

	var targetID *int64
	if id, selected := s.loop.Selection(); selected {
		targetID = &id
	}

	status := map[string]interface{}{
		"version":        version.Short(),
		"phase":          phase,
		"target_id":      targetID,
		"uptime_seconds": s.loop.Stats().GetUptime().Seconds(),
		"loop":           s.loop.Stats().GetLatestSnapshot(),
	}
	if s.watchdog != nil {
		status["watchdog_faulted"] = s.watchdog.Faulted()
	}

	httputil.WriteJSONOK(w, status)
}

// handleMetadata serves the latest published tick. Offsets are stored
// normalised; ?units=deg or ?units=pct converts the error fields for
// display, with ?fov= supplying the view angle for degrees.
func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	tick, ok := s.loop.Publisher().Get()
	if !ok {
		httputil.NotFound(w, "no metadata published yet")
		return
	}

	unit := r.URL.Query().Get("units")
	if unit == "" || unit == units.Norm {
		httputil.WriteJSONOK(w, tick)
		return
	}
	if !units.IsValid(unit) {
		httputil.BadRequest(w, fmt.Sprintf("unknown units %q, valid: %s", unit, units.GetValidUnitsString()))
		return
	}

	fov := defaultFOVDeg
	if v := r.URL.Query().Get("fov"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 360 {
			httputil.BadRequest(w, "'fov' must be a field of view in degrees")
			return
		}
		fov = f
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"frame_index":      tick.FrameIndex,
		"ts_unix_ms":       tick.TsUnixMs,
		"ts_mono_ms":       tick.TsMonoMs,
		"phase":            tick.Phase,
		"target_bbox":      tick.TargetBBox,
		"units":            unit,
		"error_x":          units.ConvertOffset(tick.ErrorX, fov, unit),
		"error_y":          units.ConvertOffset(tick.ErrorY, fov, unit),
		"coverage_percent": units.CoveragePercent(tick.Coverage),
		"commanded_pan":    tick.CommandedPan,
		"commanded_tilt":   tick.CommandedTilt,
		"commanded_zoom":   tick.CommandedZoom,
	})
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		resp := map[string]interface{}{"selected": false}
		if id, selected := s.loop.Selection(); selected {
			resp["selected"] = true
			resp["track_id"] = id
		}
		httputil.WriteJSONOK(w, resp)

	case http.MethodPost:
		var req struct {
			TrackID *int64 `json:"track_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid JSON body")
			return
		}
		if req.TrackID == nil {
			httputil.BadRequest(w, "track_id is required")
			return
		}
		s.loop.SelectTarget(*req.TrackID)
		httputil.WriteJSONOK(w, map[string]interface{}{"status": "selected", "track_id": *req.TrackID})

	case http.MethodDelete:
		s.loop.ClearTarget()
		httputil.WriteJSONOK(w, map[string]string{"status": "cleared"})

	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleConfig reports the effective configuration: preset defaults
// with file overrides resolved, not the raw sparse file.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	gains := track.GainsFromConfig(s.tracking)
	cfg := map[string]interface{}{
		"servo_preset":       s.tracking.GetServoPreset(),
		"kp":                 gains.Kp,
		"ki":                 gains.Ki,
		"kd":                 gains.Kd,
		"integral_limit":     gains.IntegralLimit,
		"dead_band":          gains.DeadBand,
		"grace_period":       s.tracking.GetGracePeriod().String(),
		"idle_timeout":       s.tracking.GetIdleTimeout().String(),
		"search_policy":      s.tracking.GetSearchPolicy(),
		"sweep_speed":        s.tracking.GetSweepSpeed(),
		"zoom_enabled":       s.tracking.GetZoomEnabled(),
		"target_coverage":    s.tracking.GetTargetCoverage(),
		"zoom_in_dead_zone":  s.tracking.GetZoomInDeadZone(),
		"zoom_out_dead_zone": s.tracking.GetZoomOutDeadZone(),
		"zoom_gain":          s.tracking.GetZoomGain(),
		"loop_interval":      s.tracking.GetLoopInterval().String(),
		"min_confidence":     s.tracking.GetMinConfidence(),
		"buffer_capacity":    s.tracking.GetBufferCapacity(),
		"watchdog_timeout":   s.tracking.GetWatchdogTimeout().String(),
		"watchdog_interval":  s.tracking.GetWatchdogInterval().String(),
	}

	httputil.WriteJSONOK(w, cfg)
}

func (s *Server) handlePTZHome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.actuator == nil {
		httputil.ServiceUnavailable(w, "no actuator configured")
		return
	}

	if err := s.actuator.GotoHome(r.Context()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("home command failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handlePTZStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.actuator == nil {
		httputil.ServiceUnavailable(w, "no actuator configured")
		return
	}

	if err := s.actuator.Stop(r.Context(), ptz.AllAxes); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("stop command failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}
