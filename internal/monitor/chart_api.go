// Package monitor provides JSON API endpoints for session chart data.
// These endpoints return structured data that can be consumed by any
// frontend, decoupling data preparation from eCharts rendering.
package monitor

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-vision/kestrel/internal/db"
)

// sessionForRequest resolves the session query parameter, defaulting to the
// most recent session. It writes the error response and returns nil when
// resolution fails.
func (ws *WebServer) sessionForRequest(w http.ResponseWriter, r *http.Request) *db.Session {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "no database configured")
		return nil
	}

	if id := r.URL.Query().Get("session"); id != "" {
		session, err := ws.db.Session(id)
		if err != nil {
			ws.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
			return nil
		}
		return session
	}

	sessions, err := ws.db.Sessions(1)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list sessions: %v", err))
		return nil
	}
	if len(sessions) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no sessions recorded")
		return nil
	}
	return &sessions[0]
}

// sessionEndMs returns the session end for timeline bounds, falling back
// to now for a session that is still running.
func sessionEndMs(session *db.Session) int64 {
	if session.EndedAtUnixMs != nil {
		return *session.EndedAtUnixMs
	}
	return time.Now().UnixMilli()
}

// handleChartErrorsJSON returns tracking error series as JSON.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - limit (optional; default 2000 samples)
//   - max_points (optional; default 4000)
func (ws *WebServer) handleChartErrorsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 20000 {
			limit = v
		}
	}

	maxPoints := 4000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}

	data := PrepareErrorSeries(samples, session.ID, maxPoints)
	ws.writeJSON(w, http.StatusOK, data)
}

// handleChartCommandsJSON returns commanded velocity series as JSON.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - limit (optional; default 2000 samples)
//   - max_points (optional; default 4000)
func (ws *WebServer) handleChartCommandsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 20000 {
			limit = v
		}
	}

	maxPoints := 4000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}

	data := PrepareCommandSeries(samples, session.ID, maxPoints)
	ws.writeJSON(w, http.StatusOK, data)
}

// handleChartPhasesJSON returns the session's phase timeline as JSON.
// Query params:
//   - session (optional; defaults to the most recent session)
func (ws *WebServer) handleChartPhasesJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	transitions, err := ws.db.Transitions(session.ID)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load transitions: %v", err))
		return
	}

	data := PreparePhaseTimeline(transitions, session.StartedAtUnixMs, sessionEndMs(session), session.ID)
	ws.writeJSON(w, http.StatusOK, data)
}

// handleChartMetricsJSON returns summary tracking metrics as JSON.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - limit (optional; default 2000 samples)
func (ws *WebServer) handleChartMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 20000 {
			limit = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}

	data := PrepareTrackingMetrics(samples, session.ID)
	ws.writeJSON(w, http.StatusOK, data)
}
