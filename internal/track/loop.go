package track

import (
	"context"
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/ptz"
	"github.com/kestrel-vision/kestrel/internal/servo"
	"github.com/kestrel-vision/kestrel/internal/timeutil"
	"github.com/kestrel-vision/kestrel/internal/vision"
)

// statsLogInterval is how often the loop logs throughput statistics.
const statsLogInterval = 30 * time.Second

// TelemetrySink receives loop telemetry for durable recording. Methods
// are called from the loop goroutine once per event and must not block
// on I/O; implementations should buffer internally.
type TelemetrySink interface {
	RecordTick(tick MetadataTick)
	RecordTransition(from, to Phase, at time.Time)
}

// targetSelection is the hand-off cell between the HTTP API and the
// loop. The API writes a selection; the loop consumes the change flag
// once per cycle.
type targetSelection struct {
	mu       sync.Mutex
	id       int64
	selected bool
	changed  bool
}

// LoopConfig assembles the collaborators for a control loop. Tracking,
// Clock, Publisher and Stats may be nil; defaults are supplied.
// Watchdog and Sink are optional.
type LoopConfig struct {
	Tracking *config.TrackingConfig

	Clock    timeutil.Clock
	Buffer   *vision.FrameBuffer
	Detector vision.Detector
	Actuator ptz.Actuator

	FrameWidth  int
	FrameHeight int

	Publisher *MetadataPublisher
	Watchdog  *Watchdog
	Stats     *LoopStats
	Sink      TelemetrySink
}

// Loop owns all per-cycle tracking state. Everything below the
// selection cell is touched only by the loop goroutine and needs no
// locking; cross-thread reads go through the MetadataPublisher.
type Loop struct {
	clock    timeutil.Clock
	buffer   *vision.FrameBuffer
	detector vision.Detector
	actuator ptz.Actuator

	machine   *Machine
	pid       *servo.PID
	zoom      *ZoomController
	publisher *MetadataPublisher
	watchdog  *Watchdog
	stats     *LoopStats
	sink      TelemetrySink

	interval       time.Duration
	minConfidence  float64
	frameW, frameH int
	searchPolicy   string
	sweepSpeed     float64
	zoomEnabled    bool

	sel targetSelection

	lastFrame    vision.Frame
	hasFrame     bool
	lastSeq      uint64
	lastBBox     *vision.BBox
	lastCoverage float64
	lastErrX     float64
	lastErrY     float64
	cmdPan       float64
	cmdTilt      float64
	cmdZoom      float64
	start        time.Time
}

// GainsFromConfig resolves the servo gains: the preset supplies the
// base values and explicit fields override per gain.
func GainsFromConfig(tc *config.TrackingConfig) servo.Gains {
	g := servo.GainsForPreset(tc.GetServoPreset())
	if tc.Kp != nil {
		g.Kp = *tc.Kp
	}
	if tc.Ki != nil {
		g.Ki = *tc.Ki
	}
	if tc.Kd != nil {
		g.Kd = *tc.Kd
	}
	if tc.IntegralLimit != nil {
		g.IntegralLimit = *tc.IntegralLimit
	}
	if tc.DeadBand != nil {
		g.DeadBand = *tc.DeadBand
	}
	return g
}

// NewLoop creates a control loop from the given collaborators.
func NewLoop(cfg LoopConfig) *Loop {
	tc := cfg.Tracking
	if tc == nil {
		tc = config.EmptyTrackingConfig()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NewMetadataPublisher()
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewLoopStats()
	}
	sink := cfg.Sink
	if isNilInterface(sink) {
		sink = nil
	}

	return &Loop{
		clock:     clock,
		buffer:    cfg.Buffer,
		detector:  cfg.Detector,
		actuator:  cfg.Actuator,
		machine:   NewMachine(tc.GetGracePeriod(), tc.GetIdleTimeout()),
		pid:       servo.NewPID(GainsFromConfig(tc)),
		zoom:      NewZoomController(tc.GetTargetCoverage(), tc.GetZoomInDeadZone(), tc.GetZoomOutDeadZone(), tc.GetZoomGain()),
		publisher: publisher,
		watchdog:  cfg.Watchdog,
		stats:     stats,
		sink:      sink,

		interval:      tc.GetLoopInterval(),
		minConfidence: tc.GetMinConfidence(),
		frameW:        cfg.FrameWidth,
		frameH:        cfg.FrameHeight,
		searchPolicy:  tc.GetSearchPolicy(),
		sweepSpeed:    tc.GetSweepSpeed(),
		zoomEnabled:   tc.GetZoomEnabled(),
	}
}

// Publisher returns the metadata publisher readers should consume.
func (l *Loop) Publisher() *MetadataPublisher { return l.publisher }

// Stats returns the loop statistics collector.
func (l *Loop) Stats() *LoopStats { return l.stats }

// SelectTarget locks the loop onto the detection with the given stable
// track identifier. Safe to call from any goroutine.
func (l *Loop) SelectTarget(id int64) {
	l.sel.mu.Lock()
	if !l.sel.selected || l.sel.id != id {
		l.sel.changed = true
	}
	l.sel.id = id
	l.sel.selected = true
	l.sel.mu.Unlock()
	Opsf("target %d selected", id)
}

// ClearTarget drops the current target lock. Safe to call from any
// goroutine.
func (l *Loop) ClearTarget() {
	l.sel.mu.Lock()
	if l.sel.selected {
		l.sel.changed = true
	}
	l.sel.selected = false
	l.sel.mu.Unlock()
	Opsf("target deselected")
}

// Selection reports the currently selected target, if any.
func (l *Loop) Selection() (id int64, selected bool) {
	l.sel.mu.Lock()
	defer l.sel.mu.Unlock()
	return l.sel.id, l.sel.selected
}

// abandonTarget drops the selection from the loop side. A selection
// made by the API mid-cycle wins over the abandon.
func (l *Loop) abandonTarget() {
	l.sel.mu.Lock()
	if !l.sel.changed {
		l.sel.selected = false
	}
	l.sel.mu.Unlock()
}

// Run executes the loop until ctx is cancelled. On shutdown the
// actuator is stopped so the camera is never left slewing on its last
// command.
func (l *Loop) Run(ctx context.Context) {
	l.start = l.clock.Now()
	Opsf("control loop started (interval %v, policy %s)", l.interval, l.searchPolicy)

	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()
	statsTicker := l.clock.NewTicker(statsLogInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := l.actuator.Stop(stopCtx, ptz.AllAxes); err != nil {
				Diagf("shutdown stop failed: %v", err)
			}
			cancel()
			Opsf("control loop stopped")
			return
		case now := <-ticker.C():
			l.tick(ctx, now)
		case <-statsTicker.C():
			l.stats.LogStats()
		}
	}
}

// tick runs one control cycle at the given time.
func (l *Loop) tick(ctx context.Context, now time.Time) {
	cycleStart := l.clock.Now()
	if l.start.IsZero() {
		l.start = now
	}

	// Consume any selection change from the API.
	l.sel.mu.Lock()
	id, selected, changed := l.sel.id, l.sel.selected, l.sel.changed
	l.sel.changed = false
	l.sel.mu.Unlock()
	if changed && selected {
		// A new target gets a fresh grace window and clean one-shots.
		l.machine.Reset()
	}

	// Acquire a frame, falling back to the last good one. Until the
	// first frame arrives there is nothing to control against.
	frame, ok := l.buffer.Latest()
	fresh := false
	if ok {
		if !l.hasFrame || frame.Seq != l.lastSeq {
			fresh = true
			l.lastSeq = frame.Seq
		}
		l.lastFrame = frame
		l.hasFrame = true
	}
	if !l.hasFrame {
		Tracef("cycle skipped: no frame received yet")
		return
	}
	frame = l.lastFrame

	// Fresh frames prove the capture path is alive. Re-detection on a
	// stale frame intentionally does not feed the watchdog, so a
	// persistent source stall still faults.
	if fresh && l.watchdog != nil {
		l.watchdog.Heartbeat()
	}

	detections, err := l.detector.Detect(ctx, frame)
	if err != nil {
		Diagf("detector error: %v", err)
		l.stats.AddDetectError()
		detections = nil
	}

	found := false
	var matched vision.Detection
	if selected {
		for _, d := range detections {
			if d.TrackID == id && d.Confidence >= l.minConfidence {
				matched = d
				found = true
				break
			}
		}
	}

	tr := l.machine.Step(selected, found, now)
	if tr.Changed {
		Opsf("phase %s -> %s", tr.From, tr.To)
		if l.sink != nil {
			l.sink.RecordTransition(tr.From, tr.To, now)
		}
	}

	switch tr.To {
	case PhaseTracking:
		if tr.ResetServo {
			l.pid.Reset()
		}
		ex, ey := matched.BBox.CenterOffset(l.frameW, l.frameH)
		cov := matched.BBox.Coverage(l.frameW, l.frameH)
		pan, tilt := l.pid.Control(ex, ey, now)
		zoom := 0.0
		if l.zoomEnabled {
			zoom = l.zoom.Command(cov)
		}
		l.dispatchMove(ctx, pan, tilt, zoom)

		bb := matched.BBox
		l.lastBBox = &bb
		l.lastCoverage = cov
		l.lastErrX, l.lastErrY = ex, ey
		Tracef("tracking id=%d err=(%.3f,%.3f) cov=%.3f cmd=(%.3f,%.3f,%.3f)",
			id, ex, ey, cov, pan, tilt, zoom)

	case PhaseSearching:
		// Target geometry is retained for continuity while the lock
		// is still held.
		switch l.searchPolicy {
		case "sweep":
			l.dispatchMove(ctx, l.sweepSpeed, 0, 0)
		case "hold":
			// Last commanded velocity keeps standing.
		default: // stop
			if tr.StopMotion {
				l.dispatchStop(ctx)
			}
		}

	case PhaseLost:
		if tr.StopMotion {
			l.dispatchStop(ctx)
		}
		l.clearTargetState()

	case PhaseIdle:
		if tr.GoHome {
			Opsf("idle timeout expired, abandoning target and returning home")
			if err := l.actuator.GotoHome(ctx); err != nil {
				Diagf("home command failed: %v", err)
				l.stats.AddCommandError()
			}
			l.cmdPan, l.cmdTilt, l.cmdZoom = 0, 0, 0
			l.abandonTarget()
		} else if tr.StopMotion {
			l.dispatchStop(ctx)
		}
		l.clearTargetState()
	}

	unixMs, monoMs := TickAt(now, l.start)
	tick := MetadataTick{
		FrameIndex:    frame.Seq,
		TsUnixMs:      unixMs,
		TsMonoMs:      monoMs,
		Phase:         tr.To,
		TargetBBox:    l.lastBBox,
		ErrorX:        l.lastErrX,
		ErrorY:        l.lastErrY,
		Coverage:      l.lastCoverage,
		CommandedPan:  l.cmdPan,
		CommandedTilt: l.cmdTilt,
		CommandedZoom: l.cmdZoom,
	}
	l.publisher.Update(tick)
	if l.sink != nil {
		l.sink.RecordTick(tick)
	}

	l.stats.AddCycle(l.clock.Since(cycleStart), fresh)
}

func (l *Loop) dispatchMove(ctx context.Context, pan, tilt, zoom float64) {
	if err := l.actuator.ContinuousMove(ctx, pan, tilt, zoom); err != nil {
		Diagf("move command failed: %v", err)
		l.stats.AddCommandError()
		return
	}
	l.cmdPan, l.cmdTilt, l.cmdZoom = pan, tilt, zoom
}

func (l *Loop) dispatchStop(ctx context.Context) {
	if err := l.actuator.Stop(ctx, ptz.AllAxes); err != nil {
		Diagf("stop command failed: %v", err)
		l.stats.AddCommandError()
		return
	}
	l.cmdPan, l.cmdTilt, l.cmdZoom = 0, 0, 0
}

func (l *Loop) clearTargetState() {
	l.lastBBox = nil
	l.lastCoverage = 0
	l.lastErrX, l.lastErrY = 0, 0
}
