// Package ptz abstracts pan-tilt-zoom camera actuation behind a small
// velocity-command interface with interchangeable drivers: Hikvision
// ISAPI over HTTP, Pelco-D over a serial line, and a mock for tests.
package ptz

import (
	"context"
	"strings"
)

// Axis selects one or more actuation axes for a stop command.
type Axis uint8

const (
	AxisPan Axis = 1 << iota
	AxisTilt
	AxisZoom
)

// AllAxes selects pan, tilt and zoom together.
const AllAxes = AxisPan | AxisTilt | AxisZoom

// Has reports whether a includes the given axis.
func (a Axis) Has(b Axis) bool { return a&b != 0 }

func (a Axis) String() string {
	var parts []string
	if a.Has(AxisPan) {
		parts = append(parts, "pan")
	}
	if a.Has(AxisTilt) {
		parts = append(parts, "tilt")
	}
	if a.Has(AxisZoom) {
		parts = append(parts, "zoom")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// Actuator is the command surface the control loop drives. Velocities
// are normalized to [-1, 1] per axis; drivers scale to their protocol
// range. Implementations must be safe for concurrent use: the control
// loop and the HTTP API may command the same actuator.
type Actuator interface {
	// ContinuousMove commands pan/tilt/zoom velocities. The motion
	// continues until superseded by another command or a Stop.
	ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error

	// Stop halts motion on the selected axes.
	Stop(ctx context.Context, axes Axis) error

	// GotoHome drives the camera to its home preset.
	GotoHome(ctx context.Context) error

	// SetZoom commands an absolute zoom position in [0, 1]. Drivers
	// without absolute zoom return an error.
	SetZoom(ctx context.Context, value float64) error

	// Close releases the underlying transport.
	Close() error
}
