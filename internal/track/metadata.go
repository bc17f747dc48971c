package track

import (
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/vision"
)

// MetadataTick is the per-cycle telemetry snapshot published by the
// control loop. One tick is emitted per loop iteration; consumers (the
// HTTP API, the overlay stream, the session recorder) read the latest
// tick without blocking the loop.
type MetadataTick struct {
	FrameIndex uint64 `json:"frame_index"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
	TsMonoMs   int64  `json:"ts_mono_ms"`

	Phase Phase `json:"phase"`

	// TargetBBox is nil when no target geometry is known. During
	// SEARCHING the last tracked geometry is retained for continuity.
	TargetBBox *vision.BBox `json:"target_bbox,omitempty"`

	// ErrorX and ErrorY are the centre offsets of the target in
	// normalized units, [-0.5, 0.5] across the frame.
	ErrorX float64 `json:"error_x"`
	ErrorY float64 `json:"error_y"`

	// Coverage is the fraction of the frame area the target occupies.
	Coverage float64 `json:"coverage"`

	CommandedPan  float64 `json:"commanded_pan"`
	CommandedTilt float64 `json:"commanded_tilt"`
	CommandedZoom float64 `json:"commanded_zoom"`
}

// MetadataPublisher holds the most recent tick behind a mutex. The
// control loop is the single writer; any number of readers may call
// Get concurrently.
type MetadataPublisher struct {
	mu   sync.Mutex
	tick MetadataTick
	set  bool
}

func NewMetadataPublisher() *MetadataPublisher {
	return &MetadataPublisher{}
}

// Update replaces the published tick. The bounding box is deep-copied
// so the caller may keep mutating its own struct.
func (p *MetadataPublisher) Update(tick MetadataTick) {
	if tick.TargetBBox != nil {
		bb := *tick.TargetBBox
		tick.TargetBBox = &bb
	}
	p.mu.Lock()
	p.tick = tick
	p.set = true
	p.mu.Unlock()
}

// Get returns a copy of the latest tick. The second return is false
// until the first Update.
func (p *MetadataPublisher) Get() (MetadataTick, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tick := p.tick
	if tick.TargetBBox != nil {
		bb := *tick.TargetBBox
		tick.TargetBBox = &bb
	}
	return tick, p.set
}

// Field returns one published field by its JSON name, or fallback when
// no tick has been published yet or the name is unknown. A nil
// target_bbox also reads as fallback.
func (p *MetadataPublisher) Field(name string, fallback any) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.set {
		return fallback
	}
	switch name {
	case "frame_index":
		return p.tick.FrameIndex
	case "ts_unix_ms":
		return p.tick.TsUnixMs
	case "ts_mono_ms":
		return p.tick.TsMonoMs
	case "phase":
		return p.tick.Phase
	case "target_bbox":
		if p.tick.TargetBBox == nil {
			return fallback
		}
		bb := *p.tick.TargetBBox
		return &bb
	case "error_x":
		return p.tick.ErrorX
	case "error_y":
		return p.tick.ErrorY
	case "coverage":
		return p.tick.Coverage
	case "commanded_pan":
		return p.tick.CommandedPan
	case "commanded_tilt":
		return p.tick.CommandedTilt
	case "commanded_zoom":
		return p.tick.CommandedZoom
	}
	return fallback
}

// TickAt stamps a tick with wall and monotonic times. The monotonic
// column lets downstream consumers order ticks across wall-clock
// adjustments.
func TickAt(now time.Time, start time.Time) (unixMs, monoMs int64) {
	return now.UnixMilli(), now.Sub(start).Milliseconds()
}
