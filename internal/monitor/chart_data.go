// Package monitor provides chart data preparation utilities for tracking
// telemetry. This file separates data transformation from eCharts rendering
// for improved testability.
package monitor

import (
	"math"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/track"
)

// SeriesPoint represents a single sample in a time series chart.
type SeriesPoint struct {
	TimeSec float64 `json:"time_sec"`
	Value   float64 `json:"value"`
}

// ErrorSeriesData holds prepared tracking error series for one session.
type ErrorSeriesData struct {
	SessionID  string        `json:"session_id"`
	ErrorX     []SeriesPoint `json:"error_x"`
	ErrorY     []SeriesPoint `json:"error_y"`
	Coverage   []SeriesPoint `json:"coverage"`
	MaxAbs     float64       `json:"max_abs"`
	EndSec     float64       `json:"end_sec"`
	Stride     int           `json:"stride"`
	NumSamples int           `json:"num_samples"`
}

// CommandSeriesData holds prepared commanded velocity series for one session.
type CommandSeriesData struct {
	SessionID  string        `json:"session_id"`
	Pan        []SeriesPoint `json:"pan"`
	Tilt       []SeriesPoint `json:"tilt"`
	Zoom       []SeriesPoint `json:"zoom"`
	MaxAbs     float64       `json:"max_abs"`
	EndSec     float64       `json:"end_sec"`
	Stride     int           `json:"stride"`
	NumSamples int           `json:"num_samples"`
}

// PhaseSpan is one contiguous stretch spent in a single phase.
type PhaseSpan struct {
	Phase       string  `json:"phase"`
	StartSec    float64 `json:"start_sec"`
	EndSec      float64 `json:"end_sec"`
	DurationSec float64 `json:"duration_sec"`
}

// PhaseTimelineData holds a session's phase history and time-in-phase totals.
type PhaseTimelineData struct {
	SessionID string             `json:"session_id"`
	Spans     []PhaseSpan        `json:"spans"`
	TotalsSec map[string]float64 `json:"totals_sec"`
}

// TrackingMetrics summarises servo performance over one session.
type TrackingMetrics struct {
	SessionID    string  `json:"session_id"`
	NumSamples   int     `json:"num_samples"`
	DurationSec  float64 `json:"duration_sec"`
	RMSErrorX    float64 `json:"rms_error_x"`
	RMSErrorY    float64 `json:"rms_error_y"`
	MaxAbsError  float64 `json:"max_abs_error"`
	MeanCoverage float64 `json:"mean_coverage"`
	TrackingPct  float64 `json:"tracking_pct"`
}

// PrepareErrorSeries transforms servo samples into tracking error time
// series. Timestamps are rebased to seconds from the first sample and long
// sessions are downsampled by stride.
func PrepareErrorSeries(samples []db.ServoSample, sessionID string, maxPoints int) *ErrorSeriesData {
	if len(samples) == 0 {
		return &ErrorSeriesData{
			SessionID: sessionID,
			ErrorX:    []SeriesPoint{},
			ErrorY:    []SeriesPoint{},
			Coverage:  []SeriesPoint{},
			Stride:    1,
		}
	}

	if maxPoints <= 0 {
		maxPoints = 4000
	}

	// Downsample by stride to stay within maxPoints
	stride := 1
	if len(samples) > maxPoints {
		stride = int(math.Ceil(float64(len(samples)) / float64(maxPoints)))
	}

	t0 := samples[0].TsMonoMs
	errorX := make([]SeriesPoint, 0, len(samples)/stride+1)
	errorY := make([]SeriesPoint, 0, len(samples)/stride+1)
	coverage := make([]SeriesPoint, 0, len(samples)/stride+1)
	maxAbs := 0.0
	endSec := 0.0

	for i := 0; i < len(samples); i += stride {
		s := samples[i]
		t := float64(s.TsMonoMs-t0) / 1000.0

		if math.Abs(s.ErrorX) > maxAbs {
			maxAbs = math.Abs(s.ErrorX)
		}
		if math.Abs(s.ErrorY) > maxAbs {
			maxAbs = math.Abs(s.ErrorY)
		}
		if t > endSec {
			endSec = t
		}

		errorX = append(errorX, SeriesPoint{TimeSec: t, Value: s.ErrorX})
		errorY = append(errorY, SeriesPoint{TimeSec: t, Value: s.ErrorY})
		coverage = append(coverage, SeriesPoint{TimeSec: t, Value: s.Coverage})
	}

	// Pad so points at the extremes stay visible. Half a frame is the
	// natural bound for a normalised centre offset.
	if maxAbs > 0 {
		maxAbs *= 1.05
	} else {
		maxAbs = 0.5
	}

	return &ErrorSeriesData{
		SessionID:  sessionID,
		ErrorX:     errorX,
		ErrorY:     errorY,
		Coverage:   coverage,
		MaxAbs:     maxAbs,
		EndSec:     endSec,
		Stride:     stride,
		NumSamples: len(errorX),
	}
}

// PrepareCommandSeries transforms servo samples into commanded velocity
// time series for the pan, tilt and zoom axes.
func PrepareCommandSeries(samples []db.ServoSample, sessionID string, maxPoints int) *CommandSeriesData {
	if len(samples) == 0 {
		return &CommandSeriesData{
			SessionID: sessionID,
			Pan:       []SeriesPoint{},
			Tilt:      []SeriesPoint{},
			Zoom:      []SeriesPoint{},
			Stride:    1,
		}
	}

	if maxPoints <= 0 {
		maxPoints = 4000
	}

	stride := 1
	if len(samples) > maxPoints {
		stride = int(math.Ceil(float64(len(samples)) / float64(maxPoints)))
	}

	t0 := samples[0].TsMonoMs
	pan := make([]SeriesPoint, 0, len(samples)/stride+1)
	tilt := make([]SeriesPoint, 0, len(samples)/stride+1)
	zoom := make([]SeriesPoint, 0, len(samples)/stride+1)
	maxAbs := 0.0
	endSec := 0.0

	for i := 0; i < len(samples); i += stride {
		s := samples[i]
		t := float64(s.TsMonoMs-t0) / 1000.0

		for _, v := range []float64{s.CommandedPan, s.CommandedTilt, s.CommandedZoom} {
			if math.Abs(v) > maxAbs {
				maxAbs = math.Abs(v)
			}
		}
		if t > endSec {
			endSec = t
		}

		pan = append(pan, SeriesPoint{TimeSec: t, Value: s.CommandedPan})
		tilt = append(tilt, SeriesPoint{TimeSec: t, Value: s.CommandedTilt})
		zoom = append(zoom, SeriesPoint{TimeSec: t, Value: s.CommandedZoom})
	}

	// Commands are normalised to [-1, 1], so a unit axis is the fallback.
	if maxAbs > 0 {
		maxAbs *= 1.05
	} else {
		maxAbs = 1.0
	}

	return &CommandSeriesData{
		SessionID:  sessionID,
		Pan:        pan,
		Tilt:       tilt,
		Zoom:       zoom,
		MaxAbs:     maxAbs,
		EndSec:     endSec,
		Stride:     stride,
		NumSamples: len(pan),
	}
}

// PreparePhaseTimeline folds a session's phase transitions into contiguous
// spans. startMs and endMs bound the session in wall-clock milliseconds;
// transition times outside the bounds are clamped.
func PreparePhaseTimeline(transitions []db.PhaseTransition, startMs, endMs int64, sessionID string) *PhaseTimelineData {
	if endMs < startMs {
		endMs = startMs
	}

	spans := make([]PhaseSpan, 0, len(transitions)+1)
	totals := make(map[string]float64)

	current := string(track.PhaseIdle)
	if len(transitions) > 0 {
		current = transitions[0].FromPhase
	}
	spanStart := startMs

	// Each transition closes the current span and opens the next.
	for _, tr := range transitions {
		at := tr.AtUnixMs
		if at < spanStart {
			at = spanStart
		}
		if at > endMs {
			at = endMs
		}
		spans = append(spans, PhaseSpan{
			Phase:       current,
			StartSec:    float64(spanStart-startMs) / 1000.0,
			EndSec:      float64(at-startMs) / 1000.0,
			DurationSec: float64(at-spanStart) / 1000.0,
		})
		totals[current] += float64(at-spanStart) / 1000.0
		current = tr.ToPhase
		spanStart = at
	}
	spans = append(spans, PhaseSpan{
		Phase:       current,
		StartSec:    float64(spanStart-startMs) / 1000.0,
		EndSec:      float64(endMs-startMs) / 1000.0,
		DurationSec: float64(endMs-spanStart) / 1000.0,
	})
	totals[current] += float64(endMs-spanStart) / 1000.0

	return &PhaseTimelineData{
		SessionID: sessionID,
		Spans:     spans,
		TotalsSec: totals,
	}
}

// PrepareTrackingMetrics reduces servo samples to summary figures for the
// metrics endpoint and the dashboard header.
func PrepareTrackingMetrics(samples []db.ServoSample, sessionID string) *TrackingMetrics {
	m := &TrackingMetrics{SessionID: sessionID}
	if len(samples) == 0 {
		return m
	}

	var sumSqX, sumSqY, sumCoverage float64
	tracking := 0
	maxAbs := 0.0
	for _, s := range samples {
		sumSqX += s.ErrorX * s.ErrorX
		sumSqY += s.ErrorY * s.ErrorY
		sumCoverage += s.Coverage
		if math.Abs(s.ErrorX) > maxAbs {
			maxAbs = math.Abs(s.ErrorX)
		}
		if math.Abs(s.ErrorY) > maxAbs {
			maxAbs = math.Abs(s.ErrorY)
		}
		if s.Phase == string(track.PhaseTracking) {
			tracking++
		}
	}

	n := float64(len(samples))
	m.NumSamples = len(samples)
	m.DurationSec = float64(samples[len(samples)-1].TsMonoMs-samples[0].TsMonoMs) / 1000.0
	m.RMSErrorX = math.Sqrt(sumSqX / n)
	m.RMSErrorY = math.Sqrt(sumSqY / n)
	m.MaxAbsError = maxAbs
	m.MeanCoverage = sumCoverage / n
	m.TrackingPct = 100.0 * float64(tracking) / n
	return m
}
