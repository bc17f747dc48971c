package tune

import (
	"fmt"
	"math/rand"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/servo"
)

var tuneLogf = monitoring.Prefixed("tune")

// maxCandidates caps the number of gain bundles a single sweep may
// evaluate.
const maxCandidates = 1000

// GainCombos expands per-axis specs into gain bundles. Each spec is a
// "min:max:step" range or a comma-separated list; an empty spec pins
// that axis to the base value. The integral limit and dead band are
// taken from the base unchanged.
func GainCombos(base servo.Gains, kpSpec, kiSpec, kdSpec string) ([]servo.Gains, error) {
	if kpSpec == "" {
		kpSpec = fmt.Sprintf("%g", base.Kp)
	}
	if kiSpec == "" {
		kiSpec = fmt.Sprintf("%g", base.Ki)
	}
	if kdSpec == "" {
		kdSpec = fmt.Sprintf("%g", base.Kd)
	}

	rows, err := ExpandRanges(kpSpec, kiSpec, kdSpec)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no gain combinations to sweep")
	}
	if len(rows) > maxCandidates {
		return nil, fmt.Errorf("gain range too large: would generate %d combinations (max %d)", len(rows), maxCandidates)
	}

	combos := make([]servo.Gains, len(rows))
	for i, row := range rows {
		g := base
		g.Kp = row[0]
		g.Ki = row[1]
		g.Kd = row[2]
		combos[i] = g
	}
	return combos, nil
}

// GainBounds bounds each axis for random candidate sampling.
type GainBounds struct {
	KpMin float64 `json:"kp_min,omitempty"`
	KpMax float64 `json:"kp_max,omitempty"`
	KiMin float64 `json:"ki_min,omitempty"`
	KiMax float64 `json:"ki_max,omitempty"`
	KdMin float64 `json:"kd_min,omitempty"`
	KdMax float64 `json:"kd_max,omitempty"`
}

// DefaultGainBounds returns a search box that comfortably contains all
// three servo presets.
func DefaultGainBounds() GainBounds {
	return GainBounds{
		KpMin: 0.5, KpMax: 4.0,
		KiMin: 0.0, KiMax: 0.5,
		KdMin: 0.0, KdMax: 1.5,
	}
}

// RandomGains draws n uniform samples from the bounds, holding the
// base integral limit and dead band fixed. Deterministic for a given
// seed. Requests beyond the candidate cap are clamped.
func RandomGains(base servo.Gains, bounds GainBounds, n int, seed int64) []servo.Gains {
	if n <= 0 {
		return nil
	}
	if n > maxCandidates {
		tuneLogf("random candidate count %d exceeds maximum %d, clamping", n, maxCandidates)
		n = maxCandidates
	}

	rng := rand.New(rand.NewSource(seed))
	uniform := func(min, max float64) float64 {
		if max <= min {
			return min
		}
		return min + rng.Float64()*(max-min)
	}

	combos := make([]servo.Gains, n)
	for i := range combos {
		g := base
		g.Kp = uniform(bounds.KpMin, bounds.KpMax)
		g.Ki = uniform(bounds.KiMin, bounds.KiMax)
		g.Kd = uniform(bounds.KdMin, bounds.KdMax)
		combos[i] = g
	}
	return combos
}
