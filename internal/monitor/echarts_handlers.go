package monitor

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/kestrel-vision/kestrel/internal/track"
)

// echartsAssetsPrefix is where rendered chart pages load the echarts
// runtime from.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleErrorsChart renders tracking error against time for one session.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - max_points (optional; default 4000) to reduce payload size
func (ws *WebServer) handleErrorsChart(w http.ResponseWriter, r *http.Request) {
	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	maxPoints := 4000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, 0)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}
	if len(samples) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no servo samples recorded for session")
		return
	}

	series := PrepareErrorSeries(samples, session.ID, maxPoints)

	xData := make([]opts.ScatterData, 0, len(series.ErrorX))
	yData := make([]opts.ScatterData, 0, len(series.ErrorY))
	for _, p := range series.ErrorX {
		xData = append(xData, opts.ScatterData{Value: []interface{}{p.TimeSec, p.Value}})
	}
	for _, p := range series.ErrorY {
		yData = append(yData, opts.ScatterData{Value: []interface{}{p.TimeSec, p.Value}})
	}

	endSec := series.EndSec * 1.05
	if endSec == 0 {
		endSec = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kestrel Tracking Error", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Tracking Error", Subtitle: fmt.Sprintf("session=%s samples=%d stride=%d", session.ID, series.NumSamples, series.Stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: endSec, Name: "time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -series.MaxAbs, Max: series.MaxAbs, Name: "normalised error", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("error x", xData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	scatter.AddSeries("error y", yData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#40c4ff"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleErrorPlaneChart renders the error plane: each sample plotted at
// (error_x, error_y) and coloured by target coverage. A tight cluster at
// the origin is a well tuned servo.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - max_points (optional; default 4000)
func (ws *WebServer) handleErrorPlaneChart(w http.ResponseWriter, r *http.Request) {
	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	maxPoints := 4000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, 0)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}
	if len(samples) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no servo samples recorded for session")
		return
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(samples) > maxPoints {
		stride = int(math.Ceil(float64(len(samples)) / float64(maxPoints)))
	}

	data := make([]opts.ScatterData, 0, len(samples)/stride+1)
	maxAbs := 0.0
	maxCoverage := 0.0
	for i := 0; i < len(samples); i += stride {
		s := samples[i]
		if math.Abs(s.ErrorX) > maxAbs {
			maxAbs = math.Abs(s.ErrorX)
		}
		if math.Abs(s.ErrorY) > maxAbs {
			maxAbs = math.Abs(s.ErrorY)
		}
		if s.Coverage > maxCoverage {
			maxCoverage = s.Coverage
		}
		data = append(data, opts.ScatterData{Value: []interface{}{s.ErrorX, s.ErrorY, s.Coverage}})
	}

	// Add a small padding so points at the edges are visible
	pad := maxAbs * 1.05
	if pad == 0 {
		pad = 0.5
	}
	if maxCoverage == 0 {
		maxCoverage = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kestrel Error Plane", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Error Plane", Subtitle: fmt.Sprintf("session=%s points=%d stride=%d", session.ID, len(data), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "error x", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "error y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxCoverage),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}},
		}),
	)

	scatter.AddSeries("samples", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCommandsChart renders commanded pan, tilt and zoom velocity
// against time for one session.
// Query params:
//   - session (optional; defaults to the most recent session)
//   - max_points (optional; default 4000)
func (ws *WebServer) handleCommandsChart(w http.ResponseWriter, r *http.Request) {
	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	maxPoints := 4000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	samples, err := ws.db.ServoSamples(session.ID, 0)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load samples: %v", err))
		return
	}
	if len(samples) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no servo samples recorded for session")
		return
	}

	series := PrepareCommandSeries(samples, session.ID, maxPoints)

	panData := make([]opts.ScatterData, 0, len(series.Pan))
	tiltData := make([]opts.ScatterData, 0, len(series.Tilt))
	zoomData := make([]opts.ScatterData, 0, len(series.Zoom))
	for _, p := range series.Pan {
		panData = append(panData, opts.ScatterData{Value: []interface{}{p.TimeSec, p.Value}})
	}
	for _, p := range series.Tilt {
		tiltData = append(tiltData, opts.ScatterData{Value: []interface{}{p.TimeSec, p.Value}})
	}
	for _, p := range series.Zoom {
		zoomData = append(zoomData, opts.ScatterData{Value: []interface{}{p.TimeSec, p.Value}})
	}

	endSec := series.EndSec * 1.05
	if endSec == 0 {
		endSec = 1.0
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Kestrel Commanded Velocity", Theme: "dark", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Commanded Velocity", Subtitle: fmt.Sprintf("session=%s samples=%d stride=%d", session.ID, series.NumSamples, series.Stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: endSec, Name: "time (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -series.MaxAbs, Max: series.MaxAbs, Name: "normalised velocity", NameLocation: "middle", NameGap: 30}),
	)

	scatter.AddSeries("pan", panData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ff5252"}))
	scatter.AddSeries("tilt", tiltData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#69f0ae"}))
	scatter.AddSeries("zoom", zoomData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}), charts.WithItemStyleOpts(opts.ItemStyle{Color: "#ffd740"}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePhasesChart renders a simple bar chart of time spent in each phase.
// Query params:
//   - session (optional; defaults to the most recent session)
func (ws *WebServer) handlePhasesChart(w http.ResponseWriter, r *http.Request) {
	session := ws.sessionForRequest(w, r)
	if session == nil {
		return
	}

	transitions, err := ws.db.Transitions(session.ID)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load transitions: %v", err))
		return
	}

	timeline := PreparePhaseTimeline(transitions, session.StartedAtUnixMs, sessionEndMs(session), session.ID)

	phases := []string{string(track.PhaseIdle), string(track.PhaseSearching), string(track.PhaseTracking), string(track.PhaseLost)}
	y := make([]opts.BarData, 0, len(phases))
	for _, p := range phases {
		y = append(y, opts.BarData{Value: timeline.TotalsSec[p]})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Time in Phase", Subtitle: fmt.Sprintf("session=%s spans=%d", session.ID, len(timeline.Spans))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	bar.SetXAxis(phases).
		AddSeries("seconds", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleDashboard renders a simple dashboard with iframes to the session charts.
func (ws *WebServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	label := html.EscapeString(sessionID)
	if label == "" {
		label = "latest"
	}
	qs := ""
	if sessionID != "" {
		qs = "?session=" + url.QueryEscape(sessionID)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, label, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// dashboardHTML is the iframe grid for the session dashboard. %[1]s is the
// escaped session label, %[2]s the escaped query string for the chart pages.
const dashboardHTML = `<!DOCTYPE html>
<html>
<head>
<title>Kestrel Session Dashboard</title>
<style>
body { background: #111; color: #ddd; font-family: monospace; margin: 16px; }
h1 { font-size: 18px; }
span.session { color: #9ecbff; }
.grid { display: grid; grid-template-columns: 1fr 1fr; gap: 12px; }
iframe { width: 100%%; height: 640px; border: 1px solid #333; background: #1e1e1e; }
a { color: #9ecbff; }
</style>
</head>
<body>
<h1>Kestrel Session Dashboard <span class="session">session: %[1]s</span></h1>
<div class="grid">
<iframe src="/charts/errors%[2]s"></iframe>
<iframe src="/charts/plane%[2]s"></iframe>
<iframe src="/charts/commands%[2]s"></iframe>
<iframe src="/charts/phases%[2]s"></iframe>
</div>
<p><a href="/">status</a></p>
</body>
</html>
`
