// Package tune evaluates servo gain candidates offline against a
// simulated pan/tilt head. The controller under test is the production
// PID; only the camera and the target are modelled, so a sweep over
// hundreds of gain bundles runs in milliseconds instead of requiring
// live hardware time.
package tune

import (
	"math"
	"math/rand"
	"time"

	"github.com/kestrel-vision/kestrel/internal/servo"
)

// maxSimSteps bounds a single episode to prevent excessive memory
// allocation from a hostile duration/interval pair.
const maxSimSteps = 100000

// PlantConfig models the actuator the simulated head runs on. A unit
// command slews the aim point at MaxRate, reached through a first-order
// lag so the head cannot change velocity instantaneously.
type PlantConfig struct {
	// MaxRate is the aim-point speed at full command, in normalised
	// frame widths per second.
	MaxRate float64 `json:"max_rate"`
	// TimeConstant is the first-order lag between the commanded and
	// achieved rate, in seconds. Zero applies commands instantly.
	TimeConstant float64 `json:"time_constant_sec"`
	// CommandDelay is the number of whole control cycles between
	// issuing a command and the plant acting on it.
	CommandDelay int `json:"command_delay_cycles"`
}

// DefaultPlantConfig returns plant parameters representative of a
// mid-range IP PTZ head driven at 30 Hz.
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		MaxRate:      1.2,
		TimeConstant: 0.12,
		CommandDelay: 1,
	}
}

// Scenario describes how the target's centre offset would evolve if
// the head never moved. The pan axis sees the full trajectory; the
// tilt axis runs the same trajectory at half amplitude and opposite
// sign so both axes contribute to the score without mirroring each
// other exactly.
type Scenario struct {
	// Kind selects the trajectory: "step" (target appears off-centre
	// and holds), "ramp" (target drifts at constant velocity), or
	// "sine" (target weaves back and forth).
	Kind string `json:"kind"`
	// Amplitude is the initial offset for step and the peak offset
	// for sine, in normalised units.
	Amplitude float64 `json:"amplitude"`
	// Velocity is the drift rate for ramp, in normalised units per
	// second.
	Velocity float64 `json:"velocity"`
	// Period is the oscillation period for sine, in seconds.
	Period float64 `json:"period_sec"`
	// NoiseStd is the standard deviation of gaussian measurement
	// noise added to every observed error sample.
	NoiseStd float64 `json:"noise_std"`
}

// DefaultScenario returns the canonical step test: target appears 0.4
// frame widths off-centre with mild detector noise.
func DefaultScenario() Scenario {
	return Scenario{Kind: "step", Amplitude: 0.4, NoiseStd: 0.01}
}

// ValidScenarioKinds lists the accepted trajectory names.
var ValidScenarioKinds = []string{"step", "ramp", "sine"}

// offset returns the target's undisturbed centre offset at time t.
func (s Scenario) offset(t float64) float64 {
	switch s.Kind {
	case "ramp":
		return s.Velocity * t
	case "sine":
		if s.Period <= 0 {
			return s.Amplitude
		}
		return s.Amplitude * math.Sin(2*math.Pi*t/s.Period)
	default:
		return s.Amplitude
	}
}

// SimConfig bundles everything one episode needs except the gains and
// the noise seed.
type SimConfig struct {
	Plant    PlantConfig   `json:"plant"`
	Scenario Scenario      `json:"scenario"`
	Duration time.Duration `json:"duration"`
	Interval time.Duration `json:"interval"`
}

// DefaultSimConfig returns a six second episode at the control loop's
// native 33ms cycle.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Plant:    DefaultPlantConfig(),
		Scenario: DefaultScenario(),
		Duration: 6 * time.Second,
		Interval: 33 * time.Millisecond,
	}
}

// Trace holds one simulated episode, sampled once per control cycle.
// ErrorX/ErrorY are the measured centre errors the controller saw
// (noise included); CmdPan/CmdTilt are the velocities it answered
// with. All slices share the same length.
type Trace struct {
	Times    []float64 `json:"times_sec"`
	ErrorX   []float64 `json:"error_x"`
	ErrorY   []float64 `json:"error_y"`
	CmdPan   []float64 `json:"cmd_pan"`
	CmdTilt  []float64 `json:"cmd_tilt"`
	Interval float64   `json:"interval_sec"`
}

// axisPlant integrates one axis of the simulated head: a delay line
// feeding a first-order lag on the achieved rate.
type axisPlant struct {
	cfg     PlantConfig
	aim     float64
	rate    float64
	pending []float64
}

func newAxisPlant(cfg PlantConfig) *axisPlant {
	delay := cfg.CommandDelay
	if delay < 0 {
		delay = 0
	}
	return &axisPlant{cfg: cfg, pending: make([]float64, delay)}
}

// apply pushes a command into the delay line and advances the axis by
// dt seconds, returning the new aim position.
func (a *axisPlant) apply(command, dt float64) float64 {
	effective := command
	if len(a.pending) > 0 {
		effective = a.pending[0]
		copy(a.pending, a.pending[1:])
		a.pending[len(a.pending)-1] = command
	}

	desired := effective * a.cfg.MaxRate
	if a.cfg.TimeConstant <= 0 {
		a.rate = desired
	} else {
		a.rate += (desired - a.rate) * dt / a.cfg.TimeConstant
	}

	a.aim += a.rate * dt
	return a.aim
}

// Simulate runs one closed-loop episode with the given gains and
// returns the sampled trace. The same seed always produces the same
// trace, so candidates compared with a shared seed see identical noise.
func Simulate(gains servo.Gains, cfg SimConfig, seed int64) Trace {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	steps := int(cfg.Duration / interval)
	if steps < 1 {
		steps = 1
	}
	if steps > maxSimSteps {
		steps = maxSimSteps
	}

	dt := interval.Seconds()
	pid := servo.NewPID(gains)
	rng := rand.New(rand.NewSource(seed))
	panPlant := newAxisPlant(cfg.Plant)
	tiltPlant := newAxisPlant(cfg.Plant)

	trace := Trace{
		Times:    make([]float64, 0, steps),
		ErrorX:   make([]float64, 0, steps),
		ErrorY:   make([]float64, 0, steps),
		CmdPan:   make([]float64, 0, steps),
		CmdTilt:  make([]float64, 0, steps),
		Interval: dt,
	}

	// The wall-clock origin is arbitrary; only the spacing matters to
	// the controller's derivative and integral terms.
	now := time.Unix(0, 0)
	var aimX, aimY float64

	for i := 0; i < steps; i++ {
		t := float64(i) * dt

		targetX := cfg.Scenario.offset(t)
		targetY := -0.5 * targetX

		errX := targetX - aimX
		errY := targetY - aimY
		if cfg.Scenario.NoiseStd > 0 {
			errX += rng.NormFloat64() * cfg.Scenario.NoiseStd
			errY += rng.NormFloat64() * cfg.Scenario.NoiseStd
		}

		pan, tilt := pid.Control(errX, errY, now)

		trace.Times = append(trace.Times, t)
		trace.ErrorX = append(trace.ErrorX, errX)
		trace.ErrorY = append(trace.ErrorY, errY)
		trace.CmdPan = append(trace.CmdPan, pan)
		trace.CmdTilt = append(trace.CmdTilt, tilt)

		aimX = panPlant.apply(pan, dt)
		aimY = tiltPlant.apply(tilt, dt)
		now = now.Add(interval)
	}

	return trace
}
