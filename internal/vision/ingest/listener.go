package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/timeutil"
	"github.com/kestrel-vision/kestrel/internal/vision"
)

// Event is the wire format of one detection batch pushed by an external
// vision process over UDP. One datagram carries one JSON-encoded event.
type Event struct {
	Seq        uint64             `json:"seq"`
	TsUnixMs   int64              `json:"ts_unix_ms"`
	Detections []vision.Detection `json:"detections"`
}

// EventSink consumes event payloads from a source other than the live
// socket, such as a capture replay.
type EventSink interface {
	HandleEvent(payload []byte) error
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	MaxEventAge time.Duration       // events older than this are not served, defaults to 200ms
	LogInterval time.Duration       // stats logging cadence, defaults to one minute
	Stats       EventStatsInterface // optional
	Clock       timeutil.Clock      // optional, for tests
}

// UDPListener receives detection events from an external vision process
// and serves the freshest batch to the control loop through the
// Detector interface. Events past the age gate read as empty: the
// vision process going quiet looks like the target disappearing, not
// like a detector failure.
type UDPListener struct {
	address     string
	rcvBuf      int
	maxAge      time.Duration
	logInterval time.Duration
	stats       EventStatsInterface
	clock       timeutil.Clock

	mu       sync.Mutex
	conn     *net.UDPConn
	latest   Event
	received time.Time
	hasEvent bool
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	// Provide a no-op stats implementation when none is supplied to avoid
	// nil checks in the datagram handling and logging paths.
	var stats EventStatsInterface
	if config.Stats != nil {
		stats = config.Stats
	} else {
		stats = noopEventStats{}
	}

	maxAge := config.MaxEventAge
	if maxAge == 0 {
		maxAge = 200 * time.Millisecond
	}
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		maxAge:      maxAge,
		logInterval: logInterval,
		stats:       stats,
		clock:       clock,
	}
}

// Start begins listening for event datagrams and processing them.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			ingestLogf("warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	ingestLogf("event listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	// One detection batch fits comfortably; oversized datagrams are
	// truncated and fail the JSON parse.
	buffer := make([]byte, 65507)

	for {
		select {
		case <-ctx.Done():
			ingestLogf("event listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

			n, addr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue // Continue on timeout to check context
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ingestLogf("UDP read error: %v", err)
				continue
			}

			if err := l.handleDatagram(buffer[:n]); err != nil {
				ingestLogf("error handling event from %v: %v", addr, err)
			}
		}
	}
}

// startStatsLogging periodically logs event statistics. An initial
// report fires shortly after startup to avoid a long first-run silence.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

// handleDatagram decodes one event and installs it as the latest batch.
// Reordered datagrams with stale sequence numbers are ignored.
func (l *UDPListener) handleDatagram(packet []byte) error {
	l.stats.AddEvent(len(packet))

	var ev Event
	if err := json.Unmarshal(packet, &ev); err != nil {
		l.stats.AddParseError()
		return fmt.Errorf("failed to decode event: %w", err)
	}
	l.stats.AddDetections(len(ev.Detections))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasEvent && ev.Seq < l.latest.Seq {
		return nil
	}
	l.latest = ev
	l.received = l.clock.Now()
	l.hasEvent = true
	return nil
}

// HandleEvent feeds one event payload into the listener as if it had
// arrived on the socket. Used by capture replay.
func (l *UDPListener) HandleEvent(payload []byte) error {
	return l.handleDatagram(payload)
}

// Detect serves the freshest event batch. A missing or expired batch
// reads as no detections, never as an error.
func (l *UDPListener) Detect(ctx context.Context, frame vision.Frame) ([]vision.Detection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasEvent || l.clock.Now().Sub(l.received) > l.maxAge {
		return nil, nil
	}
	out := make([]vision.Detection, len(l.latest.Detections))
	copy(out, l.latest.Detections)
	return out, nil
}

// Addr returns the bound address once Start has opened the socket.
func (l *UDPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Close closes the UDP listener and releases resources.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
