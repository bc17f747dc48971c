package ptz

import (
	"context"
	"errors"
	"testing"
)

func newTestPelco(t *testing.T) (*PelcoActuator, *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)
	a, err := NewPelcoActuator(PelcoConfig{PortPath: "/dev/ttyUSB0"}, factory)
	if err != nil {
		t.Fatalf("NewPelcoActuator: %v", err)
	}
	return a, port
}

// frames splits the written byte stream into 7-byte Pelco-D frames.
func frames(t *testing.T, port *TestableSerialPort) [][]byte {
	t.Helper()
	data := port.GetWrittenData()
	if len(data)%7 != 0 {
		t.Fatalf("written %d bytes, not a whole number of frames", len(data))
	}
	var out [][]byte
	for i := 0; i < len(data); i += 7 {
		out = append(out, data[i:i+7])
	}
	return out
}

func checkFrame(t *testing.T, got []byte, addr, cmd1, cmd2, data1, data2 byte) {
	t.Helper()
	checksum := addr + cmd1 + cmd2 + data1 + data2
	want := []byte{0xFF, addr, cmd1, cmd2, data1, data2, checksum}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame = % X, want % X", got, want)
		}
	}
}

func TestPelcoPanRightFullSpeed(t *testing.T) {
	a, port := newTestPelco(t)

	if err := a.ContinuousMove(context.Background(), 1, 0, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}

	fs := frames(t, port)
	if len(fs) != 1 {
		t.Fatalf("frames = %d, want 1", len(fs))
	}
	checkFrame(t, fs[0], 0x01, 0x00, pelcoCmdRight, 0x3F, 0x00)
}

func TestPelcoPanTiltDirectionBits(t *testing.T) {
	a, port := newTestPelco(t)

	if err := a.ContinuousMove(context.Background(), -0.5, 0.5, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}

	fs := frames(t, port)
	// 0.5 * 63 + 0.5 rounds to 32
	checkFrame(t, fs[0], 0x01, 0x00, pelcoCmdLeft|pelcoCmdUp, 0x20, 0x20)
}

func TestPelcoZoomSpeedRegister(t *testing.T) {
	a, port := newTestPelco(t)
	ctx := context.Background()

	if err := a.ContinuousMove(ctx, 0, 0, 1); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}

	fs := frames(t, port)
	if len(fs) != 2 {
		t.Fatalf("frames = %d, want 2 (zoom speed + motion)", len(fs))
	}
	checkFrame(t, fs[0], 0x01, 0x00, pelcoCmdSetZoomSpeed, 0x00, 0x03)
	checkFrame(t, fs[1], 0x01, 0x00, pelcoCmdZoomTele, 0x00, 0x00)

	// Same zoom speed again: the register write is not repeated.
	if err := a.ContinuousMove(ctx, 0, 0, -1); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	fs = frames(t, port)
	if len(fs) != 3 {
		t.Fatalf("frames = %d, want 3", len(fs))
	}
	checkFrame(t, fs[2], 0x01, 0x00, pelcoCmdZoomWide, 0x00, 0x00)
}

func TestPelcoStopAllAxes(t *testing.T) {
	a, port := newTestPelco(t)
	ctx := context.Background()

	if err := a.ContinuousMove(ctx, 1, -1, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	if err := a.Stop(ctx, AllAxes); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fs := frames(t, port)
	last := fs[len(fs)-1]
	checkFrame(t, last, 0x01, 0x00, 0x00, 0x00, 0x00)
}

func TestPelcoPartialStopKeepsPan(t *testing.T) {
	a, port := newTestPelco(t)
	ctx := context.Background()

	if err := a.ContinuousMove(ctx, 0.5, -0.5, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	if err := a.Stop(ctx, AxisTilt); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	fs := frames(t, port)
	last := fs[len(fs)-1]
	checkFrame(t, last, 0x01, 0x00, pelcoCmdRight, 0x20, 0x00)
}

func TestPelcoGotoHomePreset(t *testing.T) {
	a, port := newTestPelco(t)

	if err := a.GotoHome(context.Background()); err != nil {
		t.Fatalf("GotoHome: %v", err)
	}

	fs := frames(t, port)
	checkFrame(t, fs[0], 0x01, 0x00, pelcoCmdGotoPreset, 0x00, 0x01)
}

func TestPelcoCustomAddressAndPreset(t *testing.T) {
	port := NewTestableSerialPort()
	factory := NewMockSerialPortFactory(port)
	a, err := NewPelcoActuator(PelcoConfig{
		PortPath:   "/dev/ttyUSB1",
		Address:    5,
		HomePreset: 7,
	}, factory)
	if err != nil {
		t.Fatalf("NewPelcoActuator: %v", err)
	}

	if err := a.GotoHome(context.Background()); err != nil {
		t.Fatalf("GotoHome: %v", err)
	}
	fs := frames(t, port)
	checkFrame(t, fs[0], 0x05, 0x00, pelcoCmdGotoPreset, 0x00, 0x07)

	call := factory.LastCall()
	if call == nil || call.Path != "/dev/ttyUSB1" {
		t.Errorf("factory opened %+v, want /dev/ttyUSB1", call)
	}
}

func TestPelcoAbsoluteZoomUnsupported(t *testing.T) {
	a, _ := newTestPelco(t)

	err := a.SetZoom(context.Background(), 0.5)
	if !errors.Is(err, ErrAbsoluteZoomUnsupported) {
		t.Errorf("SetZoom error = %v, want ErrAbsoluteZoomUnsupported", err)
	}
}

func TestPelcoShortWrite(t *testing.T) {
	a, port := newTestPelco(t)
	port.ShortWrite = true

	err := a.ContinuousMove(context.Background(), 1, 0, 0)
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("error = %v, want ErrWriteFailed", err)
	}
}

func TestPelcoWriteError(t *testing.T) {
	a, port := newTestPelco(t)
	injected := errors.New("device unplugged")
	port.WriteError = injected

	if err := a.ContinuousMove(context.Background(), 1, 0, 0); !errors.Is(err, injected) {
		t.Errorf("error = %v, want %v", err, injected)
	}
}

func TestPelcoClose(t *testing.T) {
	a, port := newTestPelco(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.Closed {
		t.Error("serial port not closed")
	}
}

func TestPelcoRequiresPortPath(t *testing.T) {
	_, err := NewPelcoActuator(PelcoConfig{}, NewMockSerialPortFactory(nil))
	if err == nil {
		t.Fatal("expected error for empty port path")
	}
}

func TestPelcoCancelledContext(t *testing.T) {
	a, port := newTestPelco(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := a.ContinuousMove(ctx, 1, 0, 0); err == nil {
		t.Fatal("expected context error")
	}
	if len(port.GetWrittenData()) != 0 {
		t.Error("frame written despite cancelled context")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	a, err := Open(Config{Driver: "mock"})
	if err != nil {
		t.Fatalf("Open(mock): %v", err)
	}
	if _, ok := a.(*MockActuator); !ok {
		t.Errorf("Open(mock) = %T, want *MockActuator", a)
	}

	if _, err := Open(Config{Driver: "isapi"}); err == nil {
		t.Error("Open(isapi) without host should fail")
	}
	if _, err := Open(Config{Driver: "teleport"}); err == nil {
		t.Error("Open(teleport) should fail")
	}
}
