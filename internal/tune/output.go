package tune

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
)

// resultHeader lists the summary CSV columns, one row per ranked
// candidate.
var resultHeader = []string{
	"kp", "ki", "kd", "integral_limit", "dead_band",
	"score",
	"itae_mean", "itae_stddev",
	"overshoot_mean", "overshoot_stddev",
	"settle_time_mean", "settle_time_stddev",
	"steady_state_mean", "steady_state_stddev",
	"peak_abs_mean", "peak_abs_stddev",
	"effort_mean", "effort_stddev",
	"iterations",
}

// WriteResultsCSV writes one summary row per ranked candidate.
func WriteResultsCSV(w io.Writer, results []ScoredResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(resultHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, r := range results {
		row := []string{
			fmt.Sprintf("%.6f", r.Gains.Kp),
			fmt.Sprintf("%.6f", r.Gains.Ki),
			fmt.Sprintf("%.6f", r.Gains.Kd),
			fmt.Sprintf("%.6f", r.Gains.IntegralLimit),
			fmt.Sprintf("%.6f", r.Gains.DeadBand),
			fmt.Sprintf("%.6f", r.Score),
			fmt.Sprintf("%.6f", r.MetricsMean.ITAE),
			fmt.Sprintf("%.6f", r.MetricsStddev.ITAE),
			fmt.Sprintf("%.6f", r.MetricsMean.Overshoot),
			fmt.Sprintf("%.6f", r.MetricsStddev.Overshoot),
			fmt.Sprintf("%.6f", r.MetricsMean.SettleTime),
			fmt.Sprintf("%.6f", r.MetricsStddev.SettleTime),
			fmt.Sprintf("%.6f", r.MetricsMean.SteadyStateErr),
			fmt.Sprintf("%.6f", r.MetricsStddev.SteadyStateErr),
			fmt.Sprintf("%.6f", r.MetricsMean.PeakAbsError),
			fmt.Sprintf("%.6f", r.MetricsStddev.PeakAbsError),
			fmt.Sprintf("%.6f", r.MetricsMean.CommandEffort),
			fmt.Sprintf("%.6f", r.MetricsStddev.CommandEffort),
			fmt.Sprintf("%d", r.Iterations),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteTraceCSV writes the per-cycle samples of a single episode so a
// run can be inspected in external tooling.
func WriteTraceCSV(w io.Writer, trace Trace) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"t_sec", "error_x", "error_y", "cmd_pan", "cmd_tilt"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i := range trace.Times {
		row := []string{
			fmt.Sprintf("%.6f", trace.Times[i]),
			fmt.Sprintf("%.6f", trace.ErrorX[i]),
			fmt.Sprintf("%.6f", trace.ErrorY[i]),
			fmt.Sprintf("%.6f", trace.CmdPan[i]),
			fmt.Sprintf("%.6f", trace.CmdTilt[i]),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteStateJSON writes the full sweep state as indented JSON.
func WriteStateJSON(w io.Writer, state SweepState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n"))
	return err
}
