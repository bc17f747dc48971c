package tune

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-vision/kestrel/internal/servo"
)

func TestMakePlotOutputDir(t *testing.T) {
	base := t.TempDir()
	dir, err := MakePlotOutputDir(base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Dir(dir) != base {
		t.Errorf("expected output dir under %s, got %s", base, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("expected output dir to exist: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", dir)
	}
}

func TestPlotTrace(t *testing.T) {
	dir := t.TempDir()

	err := PlotTrace(cannedTrace(), "test", dir)
	if err != nil {
		// Rendering can fail where the plot backend is unavailable.
		t.Logf("PlotTrace returned: %v", err)
		return
	}

	for _, name := range []string{"test_error.png", "test_command.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected plot file %s: %v", name, err)
		}
	}
}

func TestPlotComparisonValidation(t *testing.T) {
	dir := t.TempDir()

	if err := PlotComparison(nil, nil, dir); err == nil {
		t.Error("expected error for empty trace set")
	}
	if err := PlotComparison([]Trace{cannedTrace()}, []string{"a", "b"}, dir); err == nil {
		t.Error("expected error for mismatched labels")
	}
}

func TestPlotComparison(t *testing.T) {
	dir := t.TempDir()
	traces := []Trace{cannedTrace(), cannedTrace()}
	labels := []string{"first", "second"}

	err := PlotComparison(traces, labels, dir)
	if err != nil {
		t.Logf("PlotComparison returned: %v", err)
		return
	}
	if _, err := os.Stat(filepath.Join(dir, "comparison.png")); err != nil {
		t.Errorf("expected comparison plot: %v", err)
	}
}

func TestPlotTopCandidates(t *testing.T) {
	cfg := SimConfig{
		Plant:    DefaultPlantConfig(),
		Scenario: Scenario{Kind: "step", Amplitude: 0.4},
		Duration: 300 * time.Millisecond,
		Interval: 10 * time.Millisecond,
	}
	ranked := []ScoredResult{
		{ComboResult: ComboResult{Gains: servo.GainsForPreset("balanced")}},
		{ComboResult: ComboResult{Gains: servo.GainsForPreset("smooth")}},
	}

	dir := t.TempDir()
	count, err := PlotTopCandidates(ranked, cfg, 1, 5, dir)
	if err != nil {
		t.Logf("PlotTopCandidates returned: %v", err)
		return
	}
	if count != 2 {
		t.Errorf("expected 2 plotted candidates after clamping, got %d", count)
	}
	for _, name := range []string{"rank_01_error.png", "rank_02_command.png", "comparison.png"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected plot file %s: %v", name, err)
		}
	}
}

func TestPlotTopCandidatesNone(t *testing.T) {
	count, err := PlotTopCandidates(nil, DefaultSimConfig(), 1, 0, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected no plotted candidates, got %d", count)
	}
}

func TestPlotColors(t *testing.T) {
	colors := plotColors(5)
	if len(colors) != 5 {
		t.Fatalf("expected 5 colors, got %d", len(colors))
	}
	for i := 1; i < len(colors); i++ {
		if colors[i] == colors[i-1] {
			t.Errorf("expected distinct adjacent colors, got repeat at %d", i)
		}
	}
	if len(plotColors(0)) != 0 {
		t.Errorf("expected no colors for zero count")
	}
}
