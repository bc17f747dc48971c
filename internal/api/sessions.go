package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/units"
)

// handleSessions serves the recorded-telemetry endpoints:
//
//	GET /api/sessions                      list recent sessions
//	GET /api/sessions/{id}                 one session
//	GET /api/sessions/{id}/samples         decimated servo samples
//	GET /api/sessions/{id}/transitions     phase transitions
//	GET /api/sessions/{id}/faults          watchdog and actuator faults
//
// The listing accepts ?tz= to render start/end times in an operator's
// timezone; the store itself keeps UTC milliseconds.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "telemetry store not configured")
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions"), "/")
	if rest == "" {
		s.listSessions(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	session, err := s.db.Session(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httputil.NotFound(w, fmt.Sprintf("no session %s", id))
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to load session: %v", err))
		return
	}

	if len(parts) == 1 {
		httputil.WriteJSONOK(w, session)
		return
	}

	switch parts[1] {
	case "samples":
		limit, err := parseLimit(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		samples, err := s.db.ServoSamples(id, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load samples: %v", err))
			return
		}
		if samples == nil {
			samples = []db.ServoSample{}
		}
		httputil.WriteJSONOK(w, samples)

	case "transitions":
		transitions, err := s.db.Transitions(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load transitions: %v", err))
			return
		}
		if transitions == nil {
			transitions = []db.PhaseTransition{}
		}
		httputil.WriteJSONOK(w, transitions)

	case "faults":
		faults, err := s.db.Faults(id)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load faults: %v", err))
			return
		}
		if faults == nil {
			faults = []db.Fault{}
		}
		httputil.WriteJSONOK(w, faults)

	default:
		httputil.NotFound(w, fmt.Sprintf("unknown session resource %q", parts[1]))
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	tz := r.URL.Query().Get("tz")
	if tz != "" && !units.IsTimezoneValid(tz) {
		httputil.BadRequest(w, fmt.Sprintf("unknown timezone %q", tz))
		return
	}

	sessions, err := s.db.Sessions(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	if tz == "" {
		httputil.WriteJSONOK(w, sessions)
		return
	}

	type sessionView struct {
		db.Session
		StartedAt string `json:"started_at"`
		EndedAt   string `json:"ended_at,omitempty"`
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{Session: sess}
		v.StartedAt, _ = units.FormatUnixMillis(sess.StartedAtUnixMs, tz)
		if sess.EndedAtUnixMs != nil {
			v.EndedAt, _ = units.FormatUnixMillis(*sess.EndedAtUnixMs, tz)
		}
		views = append(views, v)
	}
	httputil.WriteJSONOK(w, views)
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}
