// Package servo implements the per-axis PID controller that converts
// normalized centre error into saturated actuator velocities.
//
// The controller is owned by the control loop: one writer, no internal
// locking. Both axes run the same algorithm independently with shared
// gains.
package servo

import (
	"math"
	"time"
)

const (
	// minDt guards against divide-by-zero on clock ties.
	minDt = 1 * time.Millisecond
	// maxDt bounds the derivative after a stall so a late cycle does
	// not integrate a huge window or spike the derivative.
	maxDt = 100 * time.Millisecond
	// nominalDt is assumed when an axis has no prior sample, matching
	// the target cycle period.
	nominalDt = 33 * time.Millisecond
)

// Gains bundles the PID coefficients. Immutable after construction;
// presets are selected at construction and never mutated per tick.
type Gains struct {
	Kp            float64 `json:"kp"`
	Ki            float64 `json:"ki"`
	Kd            float64 `json:"kd"`
	IntegralLimit float64 `json:"integral_limit"`
	DeadBand      float64 `json:"dead_band"`
}

// GainsForPreset returns the named gain bundle. Unknown names fall
// back to the balanced preset.
func GainsForPreset(name string) Gains {
	switch name {
	case "responsive":
		return Gains{Kp: 3.0, Ki: 0.25, Kd: 0.5, IntegralLimit: 0.4, DeadBand: 0.01}
	case "smooth":
		return Gains{Kp: 1.2, Ki: 0.08, Kd: 1.1, IntegralLimit: 0.6, DeadBand: 0.03}
	case "balanced":
		return Gains{Kp: 2.0, Ki: 0.15, Kd: 0.8, IntegralLimit: 0.5, DeadBand: 0.02}
	default:
		return GainsForPreset("balanced")
	}
}

// axisState is the per-axis accumulator. The integral stays clamped to
// the configured limit, lastUpdate zero marks "no prior sample".
type axisState struct {
	integral   float64
	lastError  float64
	lastUpdate time.Time
}

// step advances one axis and returns the velocity in [-1, 1].
func (a *axisState) step(g Gains, err float64, now time.Time) float64 {
	// Dead-band: small errors are treated as exactly zero so noise
	// cannot creep into the integral.
	if math.Abs(err) < g.DeadBand {
		err = 0
	}

	first := a.lastUpdate.IsZero()
	var dt float64
	if first {
		dt = nominalDt.Seconds()
	} else {
		d := now.Sub(a.lastUpdate)
		if d < minDt {
			d = minDt
		}
		if d > maxDt {
			d = maxDt
		}
		dt = d.Seconds()
	}

	// Anti-windup: clamp the accumulator before scaling by Ki.
	a.integral += err * dt
	if a.integral > g.IntegralLimit {
		a.integral = g.IntegralLimit
	} else if a.integral < -g.IntegralLimit {
		a.integral = -g.IntegralLimit
	}

	out := g.Kp*err + g.Ki*a.integral
	if !first {
		out += g.Kd * (err - a.lastError) / dt
	}

	a.lastError = err
	a.lastUpdate = now

	if out > 1 {
		return 1
	}
	if out < -1 {
		return -1
	}
	return out
}

// PID converts a normalized (x, y) centre error into pan/tilt
// velocities. Not safe for concurrent use.
type PID struct {
	gains Gains
	x     axisState
	y     axisState
}

// NewPID creates a controller with the given gains.
func NewPID(gains Gains) *PID {
	return &PID{gains: gains}
}

// Control advances both axes by one sample and returns saturated
// velocities in [-1, 1].
func (p *PID) Control(errorX, errorY float64, now time.Time) (velocityX, velocityY float64) {
	velocityX = p.x.step(p.gains, errorX, now)
	velocityY = p.y.step(p.gains, errorY, now)
	return velocityX, velocityY
}

// Reset zeroes both axes' integral accumulator, last error, and last
// update time. Must be called on every entry into tracking so a stale
// integral cannot kick the camera.
func (p *PID) Reset() {
	p.x = axisState{}
	p.y = axisState{}
}

// Gains returns the configured gain bundle.
func (p *PID) Gains() Gains {
	return p.gains
}
