// Package vision defines the frame and detection types shared by the
// ingest sources, the control loop, and the detector boundary.
package vision

import (
	"context"
	"time"
)

// Frame is one captured image handed from an ingest source to the
// control loop. The payload is an encoded JPEG; the loop never decodes
// it, it only forwards the bytes to the detector.
type Frame struct {
	Seq      uint64    // sequence number assigned by the source
	Data     []byte    // encoded image bytes, owned by the holder
	Captured time.Time // monotonic capture timestamp
	Width    int       // pixel width reported by the source
	Height   int       // pixel height reported by the source
}

// Copy returns an independent copy of the frame. The payload bytes are
// duplicated so mutation of one copy never affects another holder.
func (f Frame) Copy() Frame {
	out := f
	out.Data = make([]byte, len(f.Data))
	copy(out.Data, f.Data)
	return out
}

// BBox is an axis-aligned box in pixel coordinates with X/Y at the
// top-left corner.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// CenterOffset returns the box centre minus the frame centre, divided
// by the frame dimensions. Values lie in [-0.5, 0.5] while the box
// centre is inside the frame. Zero frame dimensions yield zero offsets.
func (b BBox) CenterOffset(frameW, frameH int) (offsetX, offsetY float64) {
	if frameW <= 0 || frameH <= 0 {
		return 0, 0
	}
	cx := b.X + b.W/2
	cy := b.Y + b.H/2
	offsetX = (cx - float64(frameW)/2) / float64(frameW)
	offsetY = (cy - float64(frameH)/2) / float64(frameH)
	return offsetX, offsetY
}

// Coverage returns the ratio of box area to frame area, clamped to [0, 1].
func (b BBox) Coverage(frameW, frameH int) float64 {
	if frameW <= 0 || frameH <= 0 {
		return 0
	}
	cov := (b.W * b.H) / (float64(frameW) * float64(frameH))
	if cov < 0 {
		return 0
	}
	if cov > 1 {
		return 1
	}
	return cov
}

// Detection is one detector result for a frame. TrackID is the stable
// identity the control loop selects targets by.
type Detection struct {
	TrackID    int64   `json:"track_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

// Detector is the boundary to the external inference service. Detect
// may fail; the control loop treats any error as an empty result set
// for that cycle and never lets it propagate.
type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]Detection, error)
}
