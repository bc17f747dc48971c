package tune

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/servo"
)

// SweepStatus represents the current state of a sweep run.
type SweepStatus string

const (
	SweepStatusIdle     SweepStatus = "idle"
	SweepStatusRunning  SweepStatus = "running"
	SweepStatusComplete SweepStatus = "complete"
	SweepStatusError    SweepStatus = "error"
)

// SweepRequest defines the parameters for starting a gain sweep.
type SweepRequest struct {
	// Preset names the base gain bundle; unknown or empty names fall
	// back to "balanced". Swept axes override the base per candidate.
	Preset string `json:"preset,omitempty"`
	// Base, when set, replaces the preset lookup entirely. Lets a
	// caller sweep around gains loaded from a tracking config.
	Base *servo.Gains `json:"base,omitempty"`

	// Grid specs, one per axis: "min:max:step" or a comma list. An
	// empty spec pins the axis to the preset value.
	KpSpec string `json:"kp,omitempty"`
	KiSpec string `json:"ki,omitempty"`
	KdSpec string `json:"kd,omitempty"`

	// Random, when positive, draws this many uniform candidates from
	// Bounds instead of expanding the grid specs.
	Random int         `json:"random,omitempty"`
	Bounds *GainBounds `json:"bounds,omitempty"`

	// Iterations is the number of noisy episodes per candidate.
	Iterations int `json:"iterations"`
	// Seed is the base noise seed. Episode k of every candidate uses
	// Seed+k, so candidates are compared against identical noise.
	Seed int64 `json:"seed"`

	Sim SimConfig `json:"sim"`
}

// ComboResult holds the aggregate outcome for one gain candidate.
type ComboResult struct {
	Gains servo.Gains `json:"gains"`

	MetricsMean   Metrics `json:"metrics_mean"`
	MetricsStddev Metrics `json:"metrics_stddev"`
	Iterations    int     `json:"iterations"`
}

// SweepState holds the current state and results of a sweep.
type SweepState struct {
	Status          SweepStatus   `json:"status"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	TotalCombos     int           `json:"total_combos"`
	CompletedCombos int           `json:"completed_combos"`
	Results         []ComboResult `json:"results"`
	Error           string        `json:"error,omitempty"`
	Request         *SweepRequest `json:"request,omitempty"`
}

// Runner orchestrates gain sweeps over the simulated plant. Candidates
// are evaluated by a pool of workers; results keep candidate order.
type Runner struct {
	workers int
	mu      sync.RWMutex
	state   SweepState
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRunner creates a sweep runner with the given pool size. A
// non-positive size uses one worker per CPU.
func NewRunner(workers int) *Runner {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Runner{
		workers: workers,
		state:   SweepState{Status: SweepStatusIdle},
	}
}

// GetSweepState returns a copy of the current sweep state.
func (r *Runner) GetSweepState() SweepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state := r.state
	results := make([]ComboResult, len(r.state.Results))
	copy(results, r.state.Results)
	state.Results = results
	return state
}

// Done returns a channel closed when the current sweep's background
// run finishes, whether complete or stopped. Nil before the first
// Start.
func (r *Runner) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

// Start begins a new sweep run in the background. It returns an error
// if the request is invalid or a sweep is already in progress.
func (r *Runner) Start(ctx context.Context, req SweepRequest) error {
	if req.Iterations <= 0 {
		req.Iterations = 5
	}
	if req.Iterations > 500 {
		return fmt.Errorf("iterations must not exceed 500, got %d", req.Iterations)
	}
	if req.Sim.Duration <= 0 {
		req.Sim = DefaultSimConfig()
	}

	combos, err := candidates(req)
	if err != nil {
		return err
	}
	if len(combos) == 0 {
		return fmt.Errorf("no gain combinations to sweep")
	}

	r.mu.Lock()
	if r.state.Status == SweepStatusRunning {
		r.mu.Unlock()
		return fmt.Errorf("sweep already in progress")
	}

	now := time.Now()
	r.state = SweepState{
		Status:      SweepStatusRunning,
		StartedAt:   &now,
		TotalCombos: len(combos),
		Results:     make([]ComboResult, 0, len(combos)),
		Request:     &req,
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go r.run(sweepCtx, req, combos, done)

	return nil
}

// Stop cancels a running sweep.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// candidates resolves the request into the gain bundles to evaluate.
func candidates(req SweepRequest) ([]servo.Gains, error) {
	base := servo.GainsForPreset(req.Preset)
	if req.Base != nil {
		base = *req.Base
	}
	if req.Random > 0 {
		bounds := DefaultGainBounds()
		if req.Bounds != nil {
			bounds = *req.Bounds
		}
		return RandomGains(base, bounds, req.Random, req.Seed), nil
	}
	return GainCombos(base, req.KpSpec, req.KiSpec, req.KdSpec)
}

// run executes the sweep in a background goroutine, fanning candidates
// out to the worker pool.
func (r *Runner) run(ctx context.Context, req SweepRequest, combos []servo.Gains, done chan struct{}) {
	defer close(done)

	type job struct {
		idx   int
		gains servo.Gains
	}

	jobs := make(chan job)
	// Workers write disjoint indices; wg.Wait is the barrier before
	// results is read.
	results := make([]ComboResult, len(combos))

	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := evaluate(j.gains, req)
				results[j.idx] = res

				// Partial results appear in completion order while the
				// sweep runs; the final state restores candidate order.
				r.mu.Lock()
				r.state.Results = append(r.state.Results, res)
				r.state.CompletedCombos++
				completed := r.state.CompletedCombos
				r.mu.Unlock()
				tuneLogf("combination %d/%d: kp=%.3f ki=%.3f kd=%.3f",
					completed, len(combos), j.gains.Kp, j.gains.Ki, j.gains.Kd)
			}
		}()
	}

	for i, g := range combos {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case jobs <- job{idx: i, gains: g}:
		}
	}
	close(jobs)
	wg.Wait()

	r.mu.Lock()
	now := time.Now()
	r.state.CompletedAt = &now
	if err := ctx.Err(); err != nil {
		r.state.Status = SweepStatusError
		r.state.Error = fmt.Sprintf("sweep stopped at combination %d/%d: %v", r.state.CompletedCombos, len(combos), err)
		r.mu.Unlock()
		return
	}
	r.state.Results = results
	r.state.Status = SweepStatusComplete
	r.mu.Unlock()
	tuneLogf("sweep complete: %d combinations evaluated", len(combos))
}

// evaluate runs the configured number of noisy episodes for one gain
// candidate and aggregates the per-episode metrics. Episode seeds
// depend only on the iteration index, so every candidate faces the
// same noise sequences.
func evaluate(gains servo.Gains, req SweepRequest) ComboResult {
	iterations := req.Iterations
	episodes := make([]Metrics, 0, iterations)
	for k := 0; k < iterations; k++ {
		trace := Simulate(gains, req.Sim, req.Seed+int64(k))
		episodes = append(episodes, ComputeMetrics(trace))
	}

	mean, stddev := aggregateMetrics(episodes)
	return ComboResult{
		Gains:         gains,
		MetricsMean:   mean,
		MetricsStddev: stddev,
		Iterations:    iterations,
	}
}

// aggregateMetrics reduces per-episode metrics to a per-field mean and
// sample standard deviation.
func aggregateMetrics(episodes []Metrics) (mean, stddev Metrics) {
	if len(episodes) == 0 {
		return Metrics{}, Metrics{}
	}

	collect := func(pick func(Metrics) float64) (float64, float64) {
		vals := make([]float64, len(episodes))
		for i, e := range episodes {
			vals[i] = pick(e)
		}
		return MeanStddev(vals)
	}

	mean.ITAE, stddev.ITAE = collect(func(m Metrics) float64 { return m.ITAE })
	mean.Overshoot, stddev.Overshoot = collect(func(m Metrics) float64 { return m.Overshoot })
	mean.SettleTime, stddev.SettleTime = collect(func(m Metrics) float64 { return m.SettleTime })
	mean.SteadyStateErr, stddev.SteadyStateErr = collect(func(m Metrics) float64 { return m.SteadyStateErr })
	mean.PeakAbsError, stddev.PeakAbsError = collect(func(m Metrics) float64 { return m.PeakAbsError })
	mean.CommandEffort, stddev.CommandEffort = collect(func(m Metrics) float64 { return m.CommandEffort })
	return mean, stddev
}
