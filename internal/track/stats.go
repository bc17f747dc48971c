package track

import (
	"sync"
	"time"
)

// LoopSnapshot is a snapshot of loop throughput over one stats window,
// kept for the monitoring web interface.
type LoopSnapshot struct {
	CyclesPerSec  float64   `json:"cycles_per_sec"`
	AvgCycleMs    float64   `json:"avg_cycle_ms"`
	FreshRate     float64   `json:"fresh_rate"`
	DetectErrors  int64     `json:"detect_errors"`
	CommandErrors int64     `json:"command_errors"`
	Timestamp     time.Time `json:"timestamp"`
}

// LoopStats tracks control-loop statistics with thread-safe operations.
type LoopStats struct {
	mu             sync.Mutex
	cycleCount     int64
	freshCount     int64
	staleCount     int64
	detectErrors   int64
	commandErrors  int64
	cycleTimeTotal time.Duration
	lastReset      time.Time
	startTime      time.Time
	latestSnapshot *LoopSnapshot
}

// NewLoopStats creates a new LoopStats instance
func NewLoopStats() *LoopStats {
	now := time.Now()
	return &LoopStats{
		lastReset: now,
		startTime: now,
	}
}

// AddCycle records one loop iteration. fresh reports whether the cycle
// consumed a new frame rather than re-detecting on the previous one.
func (ls *LoopStats) AddCycle(cycleTime time.Duration, fresh bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.cycleCount++
	ls.cycleTimeTotal += cycleTime
	if fresh {
		ls.freshCount++
	} else {
		ls.staleCount++
	}
}

// AddDetectError increments the detector failure count
func (ls *LoopStats) AddDetectError() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.detectErrors++
}

// AddCommandError increments the actuator failure count
func (ls *LoopStats) AddCommandError() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.commandErrors++
}

// GetAndReset returns current stats and resets counters
func (ls *LoopStats) GetAndReset() (cycles, fresh, stale, detectErrs, commandErrs int64, cycleTime time.Duration, duration time.Duration) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	now := time.Now()
	duration = now.Sub(ls.lastReset)
	cycles = ls.cycleCount
	fresh = ls.freshCount
	stale = ls.staleCount
	detectErrs = ls.detectErrors
	commandErrs = ls.commandErrors
	cycleTime = ls.cycleTimeTotal

	ls.cycleCount = 0
	ls.freshCount = 0
	ls.staleCount = 0
	ls.detectErrors = 0
	ls.commandErrors = 0
	ls.cycleTimeTotal = 0
	ls.lastReset = now

	return
}

// LogStats logs formatted statistics and stores snapshot for web interface
func (ls *LoopStats) LogStats() {
	cycles, fresh, _, detectErrs, commandErrs, cycleTime, duration := ls.GetAndReset()
	if cycles == 0 {
		return
	}

	cyclesPerSec := float64(cycles) / duration.Seconds()
	avgCycleMs := float64(cycleTime.Microseconds()) / float64(cycles) / 1000
	freshRate := float64(fresh) / float64(cycles)

	ls.mu.Lock()
	ls.latestSnapshot = &LoopSnapshot{
		CyclesPerSec:  cyclesPerSec,
		AvgCycleMs:    avgCycleMs,
		FreshRate:     freshRate,
		DetectErrors:  detectErrs,
		CommandErrors: commandErrs,
		Timestamp:     time.Now(),
	}
	ls.mu.Unlock()

	msg := "Loop stats: %.1f cycles/sec, %.2f ms avg, %.0f%% fresh frames"
	args := []interface{}{cyclesPerSec, avgCycleMs, freshRate * 100}
	if detectErrs > 0 {
		msg += ", %d detect errors"
		args = append(args, detectErrs)
	}
	if commandErrs > 0 {
		msg += ", %d command errors"
		args = append(args, commandErrs)
	}
	Opsf(msg, args...)
}

// GetUptime returns the time since the stats were created
func (ls *LoopStats) GetUptime() time.Duration {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return time.Since(ls.startTime)
}

// GetLatestSnapshot returns the most recent stats snapshot for web interface
func (ls *LoopStats) GetLatestSnapshot() *LoopSnapshot {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.latestSnapshot == nil {
		return nil
	}
	snapshot := *ls.latestSnapshot
	return &snapshot
}
