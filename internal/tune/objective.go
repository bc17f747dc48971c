package tune

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	// settleBand matches the default servo dead band: inside it the
	// controller reads the error as zero.
	settleBand = 0.02
	// tailFraction is the share of the episode treated as steady state.
	tailFraction = 0.2
)

// Metrics summarises one simulated episode. All values are
// lower-is-better.
type Metrics struct {
	// ITAE is the time-weighted integral of the radial centre error.
	// Late error costs more than early error, so it rewards fast,
	// clean convergence.
	ITAE float64 `json:"itae"`
	// Overshoot is the worst excursion past centre as a fraction of
	// the initial offset, taken over both axes.
	Overshoot float64 `json:"overshoot"`
	// SettleTime is the time after which the radial error stays inside
	// the settle band for the remainder of the episode, in seconds.
	// An episode that never settles scores its full duration.
	SettleTime float64 `json:"settle_time_sec"`
	// SteadyStateErr is the mean radial error over the episode tail.
	SteadyStateErr float64 `json:"steady_state_err"`
	// PeakAbsError is the 95th percentile radial error, which tracks
	// the transient without being dominated by a single noise spike.
	PeakAbsError float64 `json:"peak_abs_error"`
	// CommandEffort is the RMS cycle-to-cycle command change across
	// both axes. High values mean a twitchy head.
	CommandEffort float64 `json:"command_effort"`
}

// ComputeMetrics reduces a trace to scalar metrics. An empty trace
// yields zero metrics.
func ComputeMetrics(trace Trace) Metrics {
	n := len(trace.Times)
	if n == 0 {
		return Metrics{}
	}

	dt := trace.Interval
	if dt <= 0 && n > 1 {
		dt = trace.Times[1] - trace.Times[0]
	}
	if dt <= 0 {
		dt = 1
	}

	radial := make([]float64, n)
	for i := 0; i < n; i++ {
		radial[i] = math.Hypot(trace.ErrorX[i], trace.ErrorY[i])
	}

	var m Metrics

	for i := 0; i < n; i++ {
		m.ITAE += trace.Times[i] * radial[i] * dt
	}

	m.Overshoot = math.Max(axisOvershoot(trace.ErrorX), axisOvershoot(trace.ErrorY))

	// Settle time is the instant after the last band violation.
	lastViolation := -1
	for i := 0; i < n; i++ {
		if radial[i] > settleBand {
			lastViolation = i
		}
	}
	switch {
	case lastViolation < 0:
		m.SettleTime = 0
	case lastViolation == n-1:
		m.SettleTime = trace.Times[n-1] + dt
	default:
		m.SettleTime = trace.Times[lastViolation+1]
	}

	tailN := int(float64(n) * tailFraction)
	if tailN < 1 {
		tailN = 1
	}
	m.SteadyStateErr = stat.Mean(radial[n-tailN:], nil)

	sorted := make([]float64, n)
	copy(sorted, radial)
	sort.Float64s(sorted)
	m.PeakAbsError = stat.Quantile(0.95, stat.Empirical, sorted, nil)

	if n > 1 {
		var sumSq float64
		for i := 1; i < n; i++ {
			d := math.Hypot(trace.CmdPan[i]-trace.CmdPan[i-1], trace.CmdTilt[i]-trace.CmdTilt[i-1])
			sumSq += d * d
		}
		m.CommandEffort = math.Sqrt(sumSq / float64(n-1))
	}

	return m
}

// axisOvershoot returns how far one axis crossed past centre, as a
// fraction of its initial offset. An axis that starts inside the
// settle band contributes nothing.
func axisOvershoot(errs []float64) float64 {
	if len(errs) == 0 {
		return 0
	}
	e0 := errs[0]
	if math.Abs(e0) <= settleBand {
		return 0
	}
	worst := 0.0
	for _, e := range errs {
		// Normalising by the initial error folds both signs into one
		// case: u < 0 means the axis is on the far side of centre.
		u := e / e0
		if -u > worst {
			worst = -u
		}
	}
	return worst
}

// MeanStddev returns the sample mean and standard deviation of vals.
// Zero-length input yields (0, 0); a single sample has zero deviation.
func MeanStddev(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	mean, stddev := stat.MeanStdDev(vals, nil)
	if math.IsNaN(stddev) {
		stddev = 0
	}
	return mean, stddev
}

// ObjectiveWeights defines weights for multi-objective scoring.
// Every metric is lower-is-better, so minimisation weights should be
// negative.
type ObjectiveWeights struct {
	ITAE           float64 `json:"itae"`
	Overshoot      float64 `json:"overshoot"`
	SettleTime     float64 `json:"settle_time"`
	SteadyStateErr float64 `json:"steady_state_err"`
	PeakAbsError   float64 `json:"peak_abs_error"`
	CommandEffort  float64 `json:"command_effort"`
}

// DefaultObjectiveWeights returns default weights for multi-objective
// scoring, balanced for the canonical step scenario.
func DefaultObjectiveWeights() ObjectiveWeights {
	return ObjectiveWeights{
		ITAE:           -1.0,
		Overshoot:      -0.8,
		SettleTime:     -0.3,
		SteadyStateErr: -2.0,
		PeakAbsError:   -0.5,
		CommandEffort:  -0.1,
	}
}

// ScoreMetrics computes a scalar score for a set of episode metrics
// using the given weights. Higher is better.
func ScoreMetrics(m Metrics, weights ObjectiveWeights) float64 {
	score := 0.0
	score += weights.ITAE * m.ITAE
	score += weights.Overshoot * m.Overshoot
	score += weights.SettleTime * m.SettleTime
	score += weights.SteadyStateErr * m.SteadyStateErr
	score += weights.PeakAbsError * m.PeakAbsError
	score += weights.CommandEffort * m.CommandEffort
	return score
}

// AcceptanceCriteria defines hard thresholds that a candidate's mean
// metrics must satisfy to be considered viable. A nil pointer means no
// constraint for that metric.
type AcceptanceCriteria struct {
	MaxOvershoot   *float64 `json:"max_overshoot,omitempty"`
	MaxSettleTime  *float64 `json:"max_settle_time_sec,omitempty"`
	MaxSteadyState *float64 `json:"max_steady_state_err,omitempty"`
}

// CheckAcceptance returns true if the metrics satisfy all acceptance
// criteria. A nil criteria pointer means all candidates are accepted.
func CheckAcceptance(m Metrics, criteria *AcceptanceCriteria) bool {
	if criteria == nil {
		return true
	}
	if criteria.MaxOvershoot != nil && m.Overshoot > *criteria.MaxOvershoot {
		return false
	}
	if criteria.MaxSettleTime != nil && m.SettleTime > *criteria.MaxSettleTime {
		return false
	}
	if criteria.MaxSteadyState != nil && m.SteadyStateErr > *criteria.MaxSteadyState {
		return false
	}
	return true
}

// ScoredResult pairs a ComboResult with its objective score.
type ScoredResult struct {
	ComboResult
	Score float64 `json:"score"`
}

// RankResults sorts ComboResults by score (highest first) and returns
// the sorted slice.
func RankResults(results []ComboResult, weights ObjectiveWeights) []ScoredResult {
	scored := make([]ScoredResult, len(results))
	for i, r := range results {
		scored[i] = ScoredResult{
			ComboResult: r,
			Score:       ScoreMetrics(r.MetricsMean, weights),
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return scored
}

// RankResultsWithCriteria scores and ranks results, applying
// acceptance criteria. Candidates that fail criteria receive
// score = -MaxFloat64 and sort to the bottom.
func RankResultsWithCriteria(results []ComboResult, weights ObjectiveWeights, criteria *AcceptanceCriteria) []ScoredResult {
	scored := make([]ScoredResult, len(results))
	for i, r := range results {
		if CheckAcceptance(r.MetricsMean, criteria) {
			scored[i] = ScoredResult{
				ComboResult: r,
				Score:       ScoreMetrics(r.MetricsMean, weights),
			}
		} else {
			scored[i] = ScoredResult{
				ComboResult: r,
				Score:       -math.MaxFloat64,
			}
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	return scored
}
