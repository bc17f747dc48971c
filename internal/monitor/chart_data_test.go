package monitor

import (
	"math"
	"testing"

	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/track"
)

func rampSamples(n int) []db.ServoSample {
	samples := make([]db.ServoSample, n)
	for i := range samples {
		samples[i] = db.ServoSample{
			FrameIndex:    int64(i),
			TsUnixMs:      1700000000000 + int64(i)*100,
			TsMonoMs:      5000 + int64(i)*100,
			Phase:         string(track.PhaseTracking),
			ErrorX:        0.1,
			ErrorY:        -0.2,
			Coverage:      0.05,
			CommandedPan:  0.3,
			CommandedTilt: -0.1,
			CommandedZoom: 0.0,
		}
	}
	return samples
}

func TestPrepareErrorSeries_Empty(t *testing.T) {
	result := PrepareErrorSeries(nil, "test-session", 1000)

	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if len(result.ErrorX) != 0 {
		t.Errorf("expected empty error_x, got %d", len(result.ErrorX))
	}
	if result.SessionID != "test-session" {
		t.Errorf("expected session ID 'test-session', got %q", result.SessionID)
	}
	if result.Stride != 1 {
		t.Errorf("expected Stride=1, got %d", result.Stride)
	}
}

func TestPrepareErrorSeries_TimeBase(t *testing.T) {
	samples := rampSamples(3)

	result := PrepareErrorSeries(samples, "s1", 1000)

	if len(result.ErrorX) != 3 {
		t.Fatalf("expected 3 points, got %d", len(result.ErrorX))
	}

	// Times are rebased to seconds from the first sample
	want := []float64{0, 0.1, 0.2}
	for i, p := range result.ErrorX {
		if math.Abs(p.TimeSec-want[i]) > 0.0001 {
			t.Errorf("point %d: expected TimeSec=%f, got %f", i, want[i], p.TimeSec)
		}
	}

	if math.Abs(result.EndSec-0.2) > 0.0001 {
		t.Errorf("expected EndSec=0.2, got %f", result.EndSec)
	}
}

func TestPrepareErrorSeries_Values(t *testing.T) {
	samples := rampSamples(2)

	result := PrepareErrorSeries(samples, "s1", 1000)

	if result.ErrorX[0].Value != 0.1 {
		t.Errorf("expected ErrorX value 0.1, got %f", result.ErrorX[0].Value)
	}
	if result.ErrorY[0].Value != -0.2 {
		t.Errorf("expected ErrorY value -0.2, got %f", result.ErrorY[0].Value)
	}
	if result.Coverage[0].Value != 0.05 {
		t.Errorf("expected Coverage value 0.05, got %f", result.Coverage[0].Value)
	}

	// MaxAbs comes from the largest |error| with 5% padding
	if math.Abs(result.MaxAbs-0.21) > 0.0001 {
		t.Errorf("expected MaxAbs=0.21, got %f", result.MaxAbs)
	}
}

func TestPrepareErrorSeries_Downsampling(t *testing.T) {
	samples := rampSamples(100)

	result := PrepareErrorSeries(samples, "s1", 10)

	// With 100 samples and maxPoints=10, stride should be ceil(100/10) = 10
	if result.Stride != 10 {
		t.Errorf("expected Stride=10, got %d", result.Stride)
	}

	if len(result.ErrorX) > 15 {
		t.Errorf("expected ~10 points, got %d", len(result.ErrorX))
	}

	if result.NumSamples != len(result.ErrorX) {
		t.Errorf("NumSamples=%d does not match point count %d", result.NumSamples, len(result.ErrorX))
	}
}

func TestPrepareErrorSeries_ZeroMaxPoints(t *testing.T) {
	samples := rampSamples(5)

	// maxPoints <= 0 should default to 4000
	result := PrepareErrorSeries(samples, "s1", 0)

	if result.Stride != 1 {
		t.Errorf("expected Stride=1 with default maxPoints, got %d", result.Stride)
	}
}

func TestPrepareErrorSeries_ZeroErrors(t *testing.T) {
	samples := rampSamples(3)
	for i := range samples {
		samples[i].ErrorX = 0
		samples[i].ErrorY = 0
	}

	result := PrepareErrorSeries(samples, "s1", 1000)

	// All-zero errors fall back to the half-frame bound
	if result.MaxAbs != 0.5 {
		t.Errorf("expected MaxAbs=0.5 fallback, got %f", result.MaxAbs)
	}
}

func TestPrepareCommandSeries_Empty(t *testing.T) {
	result := PrepareCommandSeries(nil, "test-session", 1000)

	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if len(result.Pan) != 0 {
		t.Errorf("expected empty pan series, got %d", len(result.Pan))
	}
	if result.SessionID != "test-session" {
		t.Errorf("expected session ID 'test-session', got %q", result.SessionID)
	}
}

func TestPrepareCommandSeries_Values(t *testing.T) {
	samples := rampSamples(4)

	result := PrepareCommandSeries(samples, "s1", 1000)

	if len(result.Pan) != 4 || len(result.Tilt) != 4 || len(result.Zoom) != 4 {
		t.Fatalf("expected 4 points per axis, got %d/%d/%d",
			len(result.Pan), len(result.Tilt), len(result.Zoom))
	}

	if result.Pan[0].Value != 0.3 {
		t.Errorf("expected pan 0.3, got %f", result.Pan[0].Value)
	}
	if result.Tilt[0].Value != -0.1 {
		t.Errorf("expected tilt -0.1, got %f", result.Tilt[0].Value)
	}
	if result.Zoom[0].Value != 0 {
		t.Errorf("expected zoom 0, got %f", result.Zoom[0].Value)
	}

	// MaxAbs from the pan command with 5% padding
	if math.Abs(result.MaxAbs-0.315) > 0.0001 {
		t.Errorf("expected MaxAbs=0.315, got %f", result.MaxAbs)
	}
}

func TestPrepareCommandSeries_ZeroCommands(t *testing.T) {
	samples := rampSamples(3)
	for i := range samples {
		samples[i].CommandedPan = 0
		samples[i].CommandedTilt = 0
		samples[i].CommandedZoom = 0
	}

	result := PrepareCommandSeries(samples, "s1", 1000)

	// All-zero commands fall back to the unit axis
	if result.MaxAbs != 1.0 {
		t.Errorf("expected MaxAbs=1.0 fallback, got %f", result.MaxAbs)
	}
}

func TestPreparePhaseTimeline_NoTransitions(t *testing.T) {
	result := PreparePhaseTimeline(nil, 1000, 11000, "s1")

	if len(result.Spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(result.Spans))
	}

	span := result.Spans[0]
	if span.Phase != string(track.PhaseIdle) {
		t.Errorf("expected idle span, got %q", span.Phase)
	}
	if span.StartSec != 0 || span.EndSec != 10 {
		t.Errorf("expected span 0..10s, got %f..%f", span.StartSec, span.EndSec)
	}
	if result.TotalsSec[string(track.PhaseIdle)] != 10 {
		t.Errorf("expected 10s idle total, got %f", result.TotalsSec[string(track.PhaseIdle)])
	}
}

func TestPreparePhaseTimeline_Sequence(t *testing.T) {
	start := int64(1700000000000)
	transitions := []db.PhaseTransition{
		{SessionID: "s1", FromPhase: "idle", ToPhase: "searching", AtUnixMs: start + 2000},
		{SessionID: "s1", FromPhase: "searching", ToPhase: "tracking", AtUnixMs: start + 5000},
	}

	result := PreparePhaseTimeline(transitions, start, start+10000, "s1")

	if len(result.Spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(result.Spans))
	}

	wantSpans := []PhaseSpan{
		{Phase: "idle", StartSec: 0, EndSec: 2, DurationSec: 2},
		{Phase: "searching", StartSec: 2, EndSec: 5, DurationSec: 3},
		{Phase: "tracking", StartSec: 5, EndSec: 10, DurationSec: 5},
	}
	for i, want := range wantSpans {
		got := result.Spans[i]
		if got.Phase != want.Phase || got.StartSec != want.StartSec ||
			got.EndSec != want.EndSec || got.DurationSec != want.DurationSec {
			t.Errorf("span %d = %+v, want %+v", i, got, want)
		}
	}

	if result.TotalsSec["tracking"] != 5 {
		t.Errorf("expected 5s tracking total, got %f", result.TotalsSec["tracking"])
	}
}

func TestPreparePhaseTimeline_RepeatedPhase(t *testing.T) {
	start := int64(0)
	transitions := []db.PhaseTransition{
		{FromPhase: "idle", ToPhase: "searching", AtUnixMs: 1000},
		{FromPhase: "searching", ToPhase: "tracking", AtUnixMs: 2000},
		{FromPhase: "tracking", ToPhase: "searching", AtUnixMs: 4000},
		{FromPhase: "searching", ToPhase: "tracking", AtUnixMs: 5000},
	}

	result := PreparePhaseTimeline(transitions, start, 8000, "s1")

	if len(result.Spans) != 5 {
		t.Fatalf("expected 5 spans, got %d", len(result.Spans))
	}

	// Two searching spans of 1s each, two tracking spans of 2s and 3s
	if result.TotalsSec["searching"] != 2 {
		t.Errorf("expected 2s searching total, got %f", result.TotalsSec["searching"])
	}
	if result.TotalsSec["tracking"] != 5 {
		t.Errorf("expected 5s tracking total, got %f", result.TotalsSec["tracking"])
	}
}

func TestPreparePhaseTimeline_ClampsTransitions(t *testing.T) {
	// A transition stamped after the session end is clamped to the end
	transitions := []db.PhaseTransition{
		{FromPhase: "idle", ToPhase: "searching", AtUnixMs: 15000},
	}

	result := PreparePhaseTimeline(transitions, 0, 10000, "s1")

	if len(result.Spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(result.Spans))
	}
	if result.Spans[0].EndSec != 10 {
		t.Errorf("expected first span clamped to 10s, got %f", result.Spans[0].EndSec)
	}
	if result.Spans[1].DurationSec != 0 {
		t.Errorf("expected zero-length final span, got %f", result.Spans[1].DurationSec)
	}
}

func TestPreparePhaseTimeline_EndBeforeStart(t *testing.T) {
	result := PreparePhaseTimeline(nil, 5000, 1000, "s1")

	if len(result.Spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(result.Spans))
	}
	if result.Spans[0].DurationSec != 0 {
		t.Errorf("expected zero-length span, got %f", result.Spans[0].DurationSec)
	}
}

func TestPrepareTrackingMetrics_Empty(t *testing.T) {
	result := PrepareTrackingMetrics(nil, "test-session")

	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result.NumSamples != 0 {
		t.Errorf("expected 0 samples, got %d", result.NumSamples)
	}
	if result.SessionID != "test-session" {
		t.Errorf("expected session ID 'test-session', got %q", result.SessionID)
	}
}

func TestPrepareTrackingMetrics_Values(t *testing.T) {
	samples := []db.ServoSample{
		{TsMonoMs: 1000, Phase: "tracking", ErrorX: 0.3, ErrorY: -0.4, Coverage: 0.1},
		{TsMonoMs: 3000, Phase: "searching", ErrorX: 0, ErrorY: 0, Coverage: 0.3},
	}

	result := PrepareTrackingMetrics(samples, "s1")

	if result.NumSamples != 2 {
		t.Fatalf("expected 2 samples, got %d", result.NumSamples)
	}
	if result.DurationSec != 2 {
		t.Errorf("expected 2s duration, got %f", result.DurationSec)
	}

	wantRMSX := math.Sqrt(0.09 / 2)
	if math.Abs(result.RMSErrorX-wantRMSX) > 0.0001 {
		t.Errorf("expected RMSErrorX=%f, got %f", wantRMSX, result.RMSErrorX)
	}

	wantRMSY := math.Sqrt(0.16 / 2)
	if math.Abs(result.RMSErrorY-wantRMSY) > 0.0001 {
		t.Errorf("expected RMSErrorY=%f, got %f", wantRMSY, result.RMSErrorY)
	}

	if result.MaxAbsError != 0.4 {
		t.Errorf("expected MaxAbsError=0.4, got %f", result.MaxAbsError)
	}
	if math.Abs(result.MeanCoverage-0.2) > 0.0001 {
		t.Errorf("expected MeanCoverage=0.2, got %f", result.MeanCoverage)
	}
	if result.TrackingPct != 50 {
		t.Errorf("expected TrackingPct=50, got %f", result.TrackingPct)
	}
}
