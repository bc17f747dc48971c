// Package ingest feeds the control loop from the outside world: an
// MJPEG camera stream for frames, and either a synchronous HTTP
// inference client or an asynchronous UDP event listener for
// detections. A pcap replay source substitutes recorded event traffic
// for live capture during offline analysis.
package ingest

import (
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
)

var ingestLogf = monitoring.Prefixed("ingest")

// FrameStatsInterface tracks frame stream health.
type FrameStatsInterface interface {
	AddFrame(bytes int)
	AddCorrupt()
	AddReconnect()
	LogStats()
}

// EventStatsInterface tracks detection event traffic.
type EventStatsInterface interface {
	AddEvent(bytes int)
	AddDetections(count int)
	AddParseError()
	LogStats()
}

// StreamStats is the concrete frame stream statistics collector.
type StreamStats struct {
	mu         sync.Mutex
	frames     uint64
	bytes      uint64
	corrupt    uint64
	reconnects uint64
	lastLog    time.Time

	// running totals, never reset by LogStats
	totalFrames  uint64
	totalCorrupt uint64
}

// NewStreamStats creates a frame stream statistics collector.
func NewStreamStats() *StreamStats {
	return &StreamStats{lastLog: time.Now()}
}

// AddFrame records one delivered frame of the given encoded size.
func (s *StreamStats) AddFrame(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames++
	s.totalFrames++
	s.bytes += uint64(bytes)
}

// AddCorrupt records a frame discarded for failing JPEG validation.
func (s *StreamStats) AddCorrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt++
	s.totalCorrupt++
}

// AddReconnect records one stream reconnection.
func (s *StreamStats) AddReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

// LogStats reports the interval counters and resets them.
func (s *StreamStats) LogStats() {
	s.mu.Lock()
	frames, bytes, corrupt, reconnects := s.frames, s.bytes, s.corrupt, s.reconnects
	elapsed := time.Since(s.lastLog)
	s.frames, s.bytes, s.corrupt, s.reconnects = 0, 0, 0, 0
	s.lastLog = time.Now()
	s.mu.Unlock()

	if elapsed <= 0 {
		return
	}
	fps := float64(frames) / elapsed.Seconds()
	ingestLogf("stream: %d frames (%.1f fps), %d KB, %d corrupt, %d reconnects",
		frames, fps, bytes/1024, corrupt, reconnects)
}

// StreamSnapshot is a point-in-time view of the running totals.
type StreamSnapshot struct {
	TotalFrames  uint64 `json:"total_frames"`
	TotalCorrupt uint64 `json:"total_corrupt"`
}

// Snapshot returns the running totals without resetting anything.
func (s *StreamStats) Snapshot() StreamSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamSnapshot{TotalFrames: s.totalFrames, TotalCorrupt: s.totalCorrupt}
}

// EventStats is the concrete detection event statistics collector.
type EventStats struct {
	mu          sync.Mutex
	events      uint64
	bytes       uint64
	detections  uint64
	parseErrors uint64
	lastLog     time.Time

	totalEvents      uint64
	totalParseErrors uint64
}

// NewEventStats creates a detection event statistics collector.
func NewEventStats() *EventStats {
	return &EventStats{lastLog: time.Now()}
}

// AddEvent records one received event datagram of the given size.
func (s *EventStats) AddEvent(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	s.totalEvents++
	s.bytes += uint64(bytes)
}

// AddDetections records the number of detections carried by an event.
func (s *EventStats) AddDetections(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections += uint64(count)
}

// AddParseError records an event that failed to decode.
func (s *EventStats) AddParseError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parseErrors++
	s.totalParseErrors++
}

// LogStats reports the interval counters and resets them.
func (s *EventStats) LogStats() {
	s.mu.Lock()
	events, bytes, detections, parseErrors := s.events, s.bytes, s.detections, s.parseErrors
	elapsed := time.Since(s.lastLog)
	s.events, s.bytes, s.detections, s.parseErrors = 0, 0, 0, 0
	s.lastLog = time.Now()
	s.mu.Unlock()

	if elapsed <= 0 {
		return
	}
	rate := float64(events) / elapsed.Seconds()
	ingestLogf("events: %d (%.1f/s), %d KB, %d detections, %d parse errors",
		events, rate, bytes/1024, detections, parseErrors)
}

// EventSnapshot is a point-in-time view of the running totals.
type EventSnapshot struct {
	TotalEvents      uint64 `json:"total_events"`
	TotalParseErrors uint64 `json:"total_parse_errors"`
}

// Snapshot returns the running totals without resetting anything.
func (s *EventStats) Snapshot() EventSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EventSnapshot{TotalEvents: s.totalEvents, TotalParseErrors: s.totalParseErrors}
}

// noopFrameStats is a FrameStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopFrameStats struct{}

func (noopFrameStats) AddFrame(bytes int) {}
func (noopFrameStats) AddCorrupt()        {}
func (noopFrameStats) AddReconnect()      {}
func (noopFrameStats) LogStats()          {}

// noopEventStats is an EventStatsInterface implementation that does nothing.
type noopEventStats struct{}

func (noopEventStats) AddEvent(bytes int)        {}
func (noopEventStats) AddDetections(count int)   {}
func (noopEventStats) AddParseError()            {}
func (noopEventStats) LogStats()                 {}
