package tune

import (
	"context"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-vision/kestrel/internal/servo"
)

// shortSweepRequest keeps episodes small enough that a full sweep
// finishes in well under a second.
func shortSweepRequest() SweepRequest {
	return SweepRequest{
		Preset:     "balanced",
		KpSpec:     "1:2:0.5",
		Iterations: 2,
		Seed:       42,
		Sim: SimConfig{
			Plant:    DefaultPlantConfig(),
			Scenario: Scenario{Kind: "step", Amplitude: 0.4, NoiseStd: 0.005},
			Duration: 500 * time.Millisecond,
			Interval: 10 * time.Millisecond,
		},
	}
}

func waitForSweep(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("sweep did not finish within 10s")
	}
}

func TestNewRunnerWorkerDefault(t *testing.T) {
	if r := NewRunner(0); r.workers <= 0 {
		t.Errorf("expected positive worker count, got %d", r.workers)
	}
	if r := NewRunner(4); r.workers != 4 {
		t.Errorf("expected 4 workers, got %d", r.workers)
	}
}

func TestRunnerSweepCompletes(t *testing.T) {
	r := NewRunner(2)
	if err := r.Start(context.Background(), shortSweepRequest()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForSweep(t, r)

	state := r.GetSweepState()
	if state.Status != SweepStatusComplete {
		t.Fatalf("expected status %q, got %q (error: %s)", SweepStatusComplete, state.Status, state.Error)
	}
	if state.TotalCombos != 3 {
		t.Errorf("expected 3 total combinations, got %d", state.TotalCombos)
	}
	if state.CompletedCombos != 3 {
		t.Errorf("expected 3 completed combinations, got %d", state.CompletedCombos)
	}
	if len(state.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(state.Results))
	}
	if state.StartedAt == nil || state.CompletedAt == nil {
		t.Error("expected start and completion timestamps to be set")
	}
	if state.Request == nil {
		t.Error("expected the request to be recorded in the state")
	}

	// Results come back in candidate order regardless of which worker
	// finished first.
	wantKp := []float64{1, 1.5, 2}
	for i, res := range state.Results {
		if math.Abs(res.Gains.Kp-wantKp[i]) > 1e-9 {
			t.Errorf("result %d: expected kp %v, got %v", i, wantKp[i], res.Gains.Kp)
		}
		if res.Iterations != 2 {
			t.Errorf("result %d: expected 2 iterations, got %d", i, res.Iterations)
		}
		if res.MetricsMean.ITAE <= 0 {
			t.Errorf("result %d: expected positive ITAE, got %v", i, res.MetricsMean.ITAE)
		}
	}
}

func TestRunnerStateIsCopied(t *testing.T) {
	r := NewRunner(1)
	if err := r.Start(context.Background(), shortSweepRequest()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForSweep(t, r)

	first := r.GetSweepState()
	if len(first.Results) == 0 {
		t.Fatal("expected results after a completed sweep")
	}
	first.Results[0].Iterations = 999

	second := r.GetSweepState()
	if second.Results[0].Iterations == 999 {
		t.Error("expected GetSweepState to return an independent copy of the results")
	}
}

func TestRunnerRejectsSecondStart(t *testing.T) {
	r := NewRunner(1)
	r.state.Status = SweepStatusRunning

	err := r.Start(context.Background(), shortSweepRequest())
	if err == nil {
		t.Fatal("expected error starting a sweep while one is running")
	}
	if !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("expected in-progress error, got %v", err)
	}
}

func TestRunnerStartValidation(t *testing.T) {
	r := NewRunner(1)

	req := shortSweepRequest()
	req.Iterations = 501
	if err := r.Start(context.Background(), req); err == nil {
		t.Error("expected error for excessive iterations")
	}

	req = shortSweepRequest()
	req.KpSpec = "a:b:c"
	if err := r.Start(context.Background(), req); err == nil {
		t.Error("expected error for malformed gain spec")
	}
}

func TestRunnerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(2)
	if err := r.Start(ctx, shortSweepRequest()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	waitForSweep(t, r)

	state := r.GetSweepState()
	if state.Status != SweepStatusError {
		t.Fatalf("expected status %q, got %q", SweepStatusError, state.Status)
	}
	if !strings.Contains(state.Error, "sweep stopped") {
		t.Errorf("expected stop message in state error, got %q", state.Error)
	}
	if state.CompletedCombos != 0 {
		t.Errorf("expected no completed combinations, got %d", state.CompletedCombos)
	}
	if len(state.Results) != 0 {
		t.Errorf("expected no results, got %d", len(state.Results))
	}
}

func TestRunnerStopWithoutStart(t *testing.T) {
	r := NewRunner(1)
	r.Stop()
	if got := r.GetSweepState().Status; got != SweepStatusIdle {
		t.Errorf("expected status %q, got %q", SweepStatusIdle, got)
	}
}

func TestCandidatesGrid(t *testing.T) {
	combos, err := candidates(SweepRequest{Preset: "responsive", KpSpec: "1,2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combos) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(combos))
	}
	if combos[0].Kp != 1 || combos[1].Kp != 2 {
		t.Errorf("expected kp values from the range string, got %v and %v", combos[0].Kp, combos[1].Kp)
	}
	// Unswept axes come from the preset.
	if combos[0].Ki != 0.25 {
		t.Errorf("expected responsive ki 0.25, got %v", combos[0].Ki)
	}
}

func TestCandidatesBaseOverride(t *testing.T) {
	base := servo.Gains{Kp: 9, Ki: 0.9, Kd: 0.1, IntegralLimit: 0.7, DeadBand: 0.05}
	combos, err := candidates(SweepRequest{Base: &base, KpSpec: "1,2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combos) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(combos))
	}
	if combos[0].Ki != 0.9 || combos[0].Kd != 0.1 {
		t.Errorf("expected unswept axes from the base gains, got %+v", combos[0])
	}
	if combos[0].IntegralLimit != 0.7 || combos[0].DeadBand != 0.05 {
		t.Errorf("expected integral limit and dead band from the base gains, got %+v", combos[0])
	}
}

func TestCandidatesRandom(t *testing.T) {
	req := SweepRequest{Preset: "balanced", Random: 4, Seed: 7}

	combos, err := candidates(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(combos) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(combos))
	}

	bounds := DefaultGainBounds()
	for i, c := range combos {
		if c.Kp < bounds.KpMin || c.Kp > bounds.KpMax {
			t.Errorf("candidate %d: kp %v outside default bounds", i, c.Kp)
		}
	}

	again, err := candidates(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(combos, again) {
		t.Error("expected identical candidates for the same seed")
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	req := shortSweepRequest()
	req.Iterations = 3
	gains := servo.GainsForPreset("balanced")

	a := evaluate(gains, req)
	b := evaluate(gains, req)
	if !reflect.DeepEqual(a, b) {
		t.Error("expected identical evaluation for the same request")
	}
	if a.Iterations != 3 {
		t.Errorf("expected 3 iterations recorded, got %d", a.Iterations)
	}
	if a.MetricsMean.ITAE <= 0 {
		t.Errorf("expected positive mean ITAE, got %v", a.MetricsMean.ITAE)
	}
	// Episodes see different noise draws, so the spread is nonzero.
	if a.MetricsStddev.ITAE <= 0 {
		t.Errorf("expected positive ITAE spread across episodes, got %v", a.MetricsStddev.ITAE)
	}
}

func TestAggregateMetrics(t *testing.T) {
	episodes := []Metrics{
		{ITAE: 2, Overshoot: 0.1},
		{ITAE: 4, Overshoot: 0.3},
	}
	mean, stddev := aggregateMetrics(episodes)
	if math.Abs(mean.ITAE-3) > 0.0001 {
		t.Errorf("expected mean ITAE 3, got %v", mean.ITAE)
	}
	if math.Abs(mean.Overshoot-0.2) > 0.0001 {
		t.Errorf("expected mean overshoot 0.2, got %v", mean.Overshoot)
	}
	if math.Abs(stddev.ITAE-math.Sqrt2) > 0.0001 {
		t.Errorf("expected ITAE stddev sqrt(2), got %v", stddev.ITAE)
	}
}
