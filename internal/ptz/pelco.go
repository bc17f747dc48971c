package ptz

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
)

// Pelco-D frame layout: sync, address, command1, command2, data1 (pan
// speed), data2 (tilt speed), checksum. Motion bits live in command2.
const (
	pelcoSync     = 0xFF
	pelcoSpeedMax = 0x3F

	pelcoCmdRight    = 0x02
	pelcoCmdLeft     = 0x04
	pelcoCmdUp       = 0x08
	pelcoCmdDown     = 0x10
	pelcoCmdZoomTele = 0x20
	pelcoCmdZoomWide = 0x40

	pelcoCmdGotoPreset   = 0x07
	pelcoCmdSetZoomSpeed = 0x25
)

// ErrAbsoluteZoomUnsupported is returned by drivers whose protocol has
// no absolute zoom positioning.
var ErrAbsoluteZoomUnsupported = fmt.Errorf("driver does not support absolute zoom")

var pelcoLogf = monitoring.Prefixed("pelco")

// PelcoConfig carries the connection parameters for a Pelco-D camera head.
type PelcoConfig struct {
	PortPath string `json:"port_path"`
	Address  int    `json:"address"`     // device address on the RS-485 bus, defaults to 1
	BaudRate int    `json:"baud_rate"`   // defaults to 2400
	HomePreset int  `json:"home_preset"` // preset recalled by GotoHome, defaults to 1
}

// PelcoActuator drives a camera head speaking Pelco-D over a serial
// line. One frame carries all motion bits, so writes are serialized and
// a partial-axis stop re-issues the remaining axes from the last
// commanded velocities.
type PelcoActuator struct {
	port       SerialPorter
	address    byte
	homePreset byte

	mu sync.Mutex
	lastPan, lastTilt, lastZoom float64
	// zoom speed register on the head, quantized 0..3. Resent only on change.
	zoomSpeed int
}

// NewPelcoActuator opens the configured serial port through the factory
// and returns a driver bound to it.
func NewPelcoActuator(cfg PelcoConfig, factory SerialPortFactory) (*PelcoActuator, error) {
	if cfg.PortPath == "" {
		return nil, fmt.Errorf("pelco driver requires a serial port path")
	}
	if cfg.Address < 0 || cfg.Address > 255 {
		return nil, fmt.Errorf("invalid pelco address %d: must be 0-255", cfg.Address)
	}

	mode := DefaultSerialPortMode()
	if cfg.BaudRate > 0 {
		mode.BaudRate = cfg.BaudRate
	}
	port, err := factory.Open(cfg.PortPath, mode)
	if err != nil {
		return nil, err
	}

	address := byte(cfg.Address)
	if address == 0 {
		address = 1
	}
	homePreset := byte(1)
	if cfg.HomePreset > 0 && cfg.HomePreset <= 255 {
		homePreset = byte(cfg.HomePreset)
	}

	return &PelcoActuator{
		port:       port,
		address:    address,
		homePreset: homePreset,
		zoomSpeed:  -1,
	}, nil
}

// ContinuousMove commands pan/tilt/zoom velocities. Direction maps onto
// the command2 motion bits, magnitude onto the speed bytes.
func (a *PelcoActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pan, tilt, zoom = clampUnit(pan), clampUnit(tilt), clampUnit(zoom)
	if err := a.sendMotion(pan, tilt, zoom); err != nil {
		return err
	}
	a.lastPan, a.lastTilt, a.lastZoom = pan, tilt, zoom
	return nil
}

// Stop halts the selected axes, leaving the others at their last
// commanded velocity.
func (a *PelcoActuator) Stop(ctx context.Context, axes Axis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	pan, tilt, zoom := a.lastPan, a.lastTilt, a.lastZoom
	if axes.Has(AxisPan) {
		pan = 0
	}
	if axes.Has(AxisTilt) {
		tilt = 0
	}
	if axes.Has(AxisZoom) {
		zoom = 0
	}
	if err := a.sendMotion(pan, tilt, zoom); err != nil {
		return err
	}
	a.lastPan, a.lastTilt, a.lastZoom = pan, tilt, zoom
	return nil
}

// GotoHome recalls the configured home preset.
func (a *PelcoActuator) GotoHome(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.writeFrame(0x00, pelcoCmdGotoPreset, 0x00, a.homePreset); err != nil {
		return fmt.Errorf("goto preset %d: %w", a.homePreset, err)
	}
	a.lastPan, a.lastTilt, a.lastZoom = 0, 0, 0
	return nil
}

// SetZoom is unsupported: Pelco-D has no absolute zoom positioning.
func (a *PelcoActuator) SetZoom(ctx context.Context, value float64) error {
	return ErrAbsoluteZoomUnsupported
}

// Close closes the serial port.
func (a *PelcoActuator) Close() error {
	return a.port.Close()
}

// sendMotion writes the standard motion frame, preceded by a Set Zoom
// Speed frame whenever the quantized zoom speed changes. Callers hold mu.
func (a *PelcoActuator) sendMotion(pan, tilt, zoom float64) error {
	var cmd2 byte
	if pan > 0 {
		cmd2 |= pelcoCmdRight
	} else if pan < 0 {
		cmd2 |= pelcoCmdLeft
	}
	if tilt > 0 {
		cmd2 |= pelcoCmdUp
	} else if tilt < 0 {
		cmd2 |= pelcoCmdDown
	}
	if zoom > 0 {
		cmd2 |= pelcoCmdZoomTele
	} else if zoom < 0 {
		cmd2 |= pelcoCmdZoomWide
	}

	if zoom != 0 {
		// the head has a 2-bit zoom speed register, 0 slowest
		speed := int(abs(zoom)*3 + 0.5)
		if speed > 3 {
			speed = 3
		}
		if speed != a.zoomSpeed {
			if err := a.writeFrame(0x00, pelcoCmdSetZoomSpeed, 0x00, byte(speed)); err != nil {
				return fmt.Errorf("set zoom speed: %w", err)
			}
			a.zoomSpeed = speed
		}
	}

	data1 := pelcoSpeed(pan)
	data2 := pelcoSpeed(tilt)
	if err := a.writeFrame(0x00, cmd2, data1, data2); err != nil {
		return fmt.Errorf("motion frame: %w", err)
	}
	return nil
}

func (a *PelcoActuator) writeFrame(cmd1, cmd2, data1, data2 byte) error {
	checksum := a.address + cmd1 + cmd2 + data1 + data2
	frame := []byte{pelcoSync, a.address, cmd1, cmd2, data1, data2, checksum}

	n, err := a.port.Write(frame)
	if err != nil {
		pelcoLogf("write failed: %v", err)
		return err
	}
	if n != len(frame) {
		return ErrWriteFailed
	}
	return nil
}

// pelcoSpeed maps a normalized magnitude onto the 0x00-0x3F speed range.
func pelcoSpeed(v float64) byte {
	s := abs(v) * pelcoSpeedMax
	if s > pelcoSpeedMax {
		s = pelcoSpeedMax
	}
	return byte(s + 0.5)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
