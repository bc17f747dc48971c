package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/track"
	"github.com/kestrel-vision/kestrel/internal/tune"
)

func main() {
	// Candidate selection
	preset := flag.String("preset", "balanced", "Servo preset supplying the base gains (responsive, balanced, smooth)")
	configPath := flag.String("config", "", "Tracking config JSON; its servo settings replace the preset as base gains")
	kpSpec := flag.String("kp", "", "Kp values: comma-separated list or min:max:step range (empty pins to base)")
	kiSpec := flag.String("ki", "", "Ki values: comma-separated list or min:max:step range (empty pins to base)")
	kdSpec := flag.String("kd", "", "Kd values: comma-separated list or min:max:step range (empty pins to base)")
	random := flag.Int("random", 0, "Sample this many random candidates instead of expanding a grid")

	// Evaluation
	iterations := flag.Int("iterations", 5, "Noisy episodes per candidate")
	seed := flag.Int64("seed", 1, "Base seed for detection noise and random sampling")
	workers := flag.Int("workers", 0, "Parallel evaluation workers (0 = one per CPU)")

	// Scenario
	scenario := flag.String("scenario", "step", "Target trajectory: step, ramp or sine")
	amplitude := flag.Float64("amplitude", 0.4, "Step or sine amplitude in normalised frame units")
	velocity := flag.Float64("velocity", 0.15, "Ramp velocity in normalised units per second")
	period := flag.Duration("period", 4*time.Second, "Sine period")
	noise := flag.Float64("noise", 0.01, "Detection noise standard deviation")
	duration := flag.Duration("duration", 6*time.Second, "Episode duration")
	interval := flag.Duration("interval", 33*time.Millisecond, "Control cycle interval")

	// Plant model
	maxRate := flag.Float64("max-rate", 1.2, "Head slew rate at full command, normalised units per second")
	timeConstant := flag.Duration("time-constant", 120*time.Millisecond, "Head velocity lag time constant")
	delay := flag.Int("delay", 1, "Command transport delay in control cycles")

	// Acceptance constraints (0 disables each)
	maxOvershoot := flag.Float64("max-overshoot", 0, "Reject candidates whose mean overshoot exceeds this fraction")
	maxSettle := flag.Duration("max-settle", 0, "Reject candidates whose mean settle time exceeds this")
	maxSteady := flag.Float64("max-steady", 0, "Reject candidates whose mean steady-state error exceeds this")

	// Output
	output := flag.String("output", "", "Output CSV filename (defaults to tune-<timestamp>.csv)")
	jsonOut := flag.String("json", "", "Also write the full sweep state as JSON to this file")
	plotsDir := flag.String("plots", "", "Base directory for top-candidate trace plots (optional)")
	top := flag.Int("top", 5, "Number of top candidates to print and plot")
	flag.Parse()

	validScenario := false
	for _, k := range tune.ValidScenarioKinds {
		if *scenario == k {
			validScenario = true
			break
		}
	}
	if !validScenario {
		fmt.Fprintf(os.Stderr, "invalid scenario %q (must be one of %s)\n", *scenario, strings.Join(tune.ValidScenarioKinds, ", "))
		os.Exit(1)
	}

	req := tune.SweepRequest{
		Preset:     *preset,
		KpSpec:     *kpSpec,
		KiSpec:     *kiSpec,
		KdSpec:     *kdSpec,
		Random:     *random,
		Iterations: *iterations,
		Seed:       *seed,
		Sim: tune.SimConfig{
			Plant: tune.PlantConfig{
				MaxRate:      *maxRate,
				TimeConstant: timeConstant.Seconds(),
				CommandDelay: *delay,
			},
			Scenario: tune.Scenario{
				Kind:      *scenario,
				Amplitude: *amplitude,
				Velocity:  *velocity,
				Period:    period.Seconds(),
				NoiseStd:  *noise,
			},
			Duration: *duration,
			Interval: *interval,
		},
	}

	if *configPath != "" {
		cfg, err := config.LoadTrackingConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not load tracking config: %v\n", err)
			os.Exit(1)
		}
		base := track.GainsFromConfig(cfg)
		req.Preset = cfg.GetServoPreset()
		req.Base = &base
		fmt.Printf("base gains from %s: kp=%.3f ki=%.3f kd=%.3f\n", *configPath, base.Kp, base.Ki, base.Kd)
	} else if !isValidPreset(*preset) {
		fmt.Fprintf(os.Stderr, "unknown preset %q (must be one of %s)\n", *preset, strings.Join(config.ValidServoPresets, ", "))
		os.Exit(1)
	}

	runner := tune.NewRunner(*workers)
	if err := runner.Start(context.Background(), req); err != nil {
		fmt.Fprintf(os.Stderr, "could not start sweep: %v\n", err)
		os.Exit(1)
	}
	<-runner.Done()

	state := runner.GetSweepState()
	if state.Status != tune.SweepStatusComplete {
		fmt.Fprintf(os.Stderr, "sweep failed: %s\n", state.Error)
		os.Exit(1)
	}

	var criteria *tune.AcceptanceCriteria
	if *maxOvershoot > 0 || *maxSettle > 0 || *maxSteady > 0 {
		criteria = &tune.AcceptanceCriteria{}
		if *maxOvershoot > 0 {
			v := *maxOvershoot
			criteria.MaxOvershoot = &v
		}
		if *maxSettle > 0 {
			v := maxSettle.Seconds()
			criteria.MaxSettleTime = &v
		}
		if *maxSteady > 0 {
			v := *maxSteady
			criteria.MaxSteadyState = &v
		}
	}
	ranked := tune.RankResultsWithCriteria(state.Results, tune.DefaultObjectiveWeights(), criteria)

	filename := *output
	if filename == "" {
		filename = fmt.Sprintf("tune-%s.csv", time.Now().Format("20060102-150405"))
	}
	f, err := os.Create(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create output file %s: %v\n", filename, err)
		os.Exit(1)
	}
	defer f.Close()
	if err := tune.WriteResultsCSV(f, ranked); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write results: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut != "" {
		jf, err := os.Create(*jsonOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create json file %s: %v\n", *jsonOut, err)
			os.Exit(1)
		}
		if err := tune.WriteStateJSON(jf, state); err != nil {
			jf.Close()
			fmt.Fprintf(os.Stderr, "failed to write json state: %v\n", err)
			os.Exit(1)
		}
		jf.Close()
	}

	n := *top
	if n > len(ranked) {
		n = len(ranked)
	}
	fmt.Printf("top %d of %d candidates:\n", n, len(ranked))
	for i := 0; i < n; i++ {
		r := ranked[i]
		fmt.Printf("  #%d kp=%.3f ki=%.3f kd=%.3f score=%.4f overshoot=%.3f settle=%.2fs steady=%.4f\n",
			i+1, r.Gains.Kp, r.Gains.Ki, r.Gains.Kd, r.Score,
			r.MetricsMean.Overshoot, r.MetricsMean.SettleTime, r.MetricsMean.SteadyStateErr)
	}

	if *plotsDir != "" && n > 0 {
		dir, err := tune.MakePlotOutputDir(*plotsDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not create plot dir: %v\n", err)
			os.Exit(1)
		}
		count, err := tune.PlotTopCandidates(ranked, req.Sim, req.Seed, n, dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: plot generation failed: %v\n", err)
		} else {
			fmt.Printf("wrote trace plots for %d candidates to %s\n", count, dir)
		}
	}

	fmt.Printf("sweep complete, results written to %s\n", filename)
}

func isValidPreset(name string) bool {
	for _, p := range config.ValidServoPresets {
		if name == p {
			return true
		}
	}
	return false
}
