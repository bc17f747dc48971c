package ptz

import (
	"bytes"
	"context"
	"errors"
	"sync"
)

// MoveCommand records one ContinuousMove call.
type MoveCommand struct {
	Pan, Tilt, Zoom float64
}

// MockActuator implements Actuator for testing. Commands are recorded
// in order; error fields inject failures. Read the recorded slices
// after the commanding goroutine has stopped, or use the snapshot
// accessors.
type MockActuator struct {
	mu sync.Mutex

	Moves    []MoveCommand
	Stops    []Axis
	HomeCt   int
	ZoomSets []float64
	Closed   bool

	MoveError  error
	StopError  error
	HomeError  error
	ZoomError  error
	CloseError error
}

func NewMockActuator() *MockActuator {
	return &MockActuator{}
}

func (m *MockActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MoveError != nil {
		return m.MoveError
	}
	m.Moves = append(m.Moves, MoveCommand{Pan: pan, Tilt: tilt, Zoom: zoom})
	return nil
}

func (m *MockActuator) Stop(ctx context.Context, axes Axis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StopError != nil {
		return m.StopError
	}
	m.Stops = append(m.Stops, axes)
	return nil
}

func (m *MockActuator) GotoHome(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HomeError != nil {
		return m.HomeError
	}
	m.HomeCt++
	return nil
}

func (m *MockActuator) SetZoom(ctx context.Context, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ZoomError != nil {
		return m.ZoomError
	}
	m.ZoomSets = append(m.ZoomSets, value)
	return nil
}

func (m *MockActuator) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return m.CloseError
}

// LastMove returns the most recent move command, if any.
func (m *MockActuator) LastMove() (MoveCommand, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Moves) == 0 {
		return MoveCommand{}, false
	}
	return m.Moves[len(m.Moves)-1], true
}

// MoveCount returns the number of move commands issued.
func (m *MockActuator) MoveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Moves)
}

// StopCount returns the number of stop commands issued.
func (m *MockActuator) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Stops)
}

// HomeCount returns the number of home commands issued.
func (m *MockActuator) HomeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HomeCt
}

// TestableSerialPort implements SerialPorter with configurable behaviour
// for testing. Writes are captured, reads served from a buffer, and
// errors injectable per call.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite forces the next Write to report one byte fewer than given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	return &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.ShortWrite {
		t.ShortWrite = false
		n, _ := t.WriteBuffer.Write(p[:len(p)-1])
		return n, nil
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockSerialPortFactory implements SerialPortFactory for testing.
type MockSerialPortFactory struct {
	mu sync.Mutex

	// Port is the port to return from Open
	Port SerialPorter

	// Error is returned by Open if set
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *SerialPortMode
}

// NewMockSerialPortFactory creates a new MockSerialPortFactory.
func NewMockSerialPortFactory(port SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockSerialPortFactory) Open(path string, mode *SerialPortMode) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Mode: mode})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockSerialPortFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
