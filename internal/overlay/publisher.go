// Package overlay streams live tracking telemetry over gRPC so viewer
// applications can draw the target box and servo state on top of the
// camera feed.
//
// Wire messages are google.protobuf.Struct values, so a viewer in any
// language can decode the stream with only the protobuf well-known
// types. The service contract is documented in overlay.proto.
package overlay

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kestrel-vision/kestrel/internal/monitoring"
	"github.com/kestrel-vision/kestrel/internal/track"
)

var overlayLogf = monitoring.Prefixed("overlay")

const (
	// tickQueueSize is the broadcast queue between the control loop and
	// the fan-out goroutine.
	tickQueueSize = 100

	// clientQueueSize is the per-client send queue. A viewer that falls
	// this far behind starts losing ticks.
	clientQueueSize = 10

	tickQueueWarnDepth = 50
	statsLogInterval   = 5 * time.Second
)

// Config holds configuration for the overlay gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50052")
	ListenAddr string

	// CameraID identifies the camera whose telemetry is streamed.
	CameraID string

	// MaxClients is the maximum number of concurrent streaming clients.
	// Zero means unlimited.
	MaxClients int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "localhost:50052",
		CameraID:   "ptz-01",
		MaxClients: 5,
	}
}

// Publisher manages the gRPC server and tick broadcasting. The control
// loop hands it one MetadataTick per cycle; connected clients each get
// their own buffered queue so one slow viewer cannot stall the rest.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener
	health   *health.Server

	// Tick broadcasting
	tickChan  chan *track.MetadataTick
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	// Stats
	tickCount     atomic.Uint64
	clientCount   atomic.Int32
	droppedTicks  atomic.Uint64
	lastStatsTime time.Time
	lastTickCount uint64 // Tick count at last stats log
	lastStatsMu   sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Publisher doubles as the loop's telemetry sink so it can sit on the
// same fan-out as the session recorder.
var _ track.TelemetrySink = (*Publisher)(nil)

// clientStream represents a connected streaming client.
type clientStream struct {
	id      string
	request *StreamRequest
	tickCh  chan *track.MetadataTick
	doneCh  chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	return &Publisher{
		config:   cfg,
		tickChan: make(chan *track.MetadataTick, tickQueueSize),
		clients:  make(map[string]*clientStream),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the listen address and starts serving. The overlay
// service and the standard gRPC health service are registered before
// the server begins accepting connections.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}

	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis

	p.server = grpc.NewServer()
	RegisterService(p.server, NewServer(p))

	p.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(p.server, p.health)
	p.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	p.health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		overlayLogf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			overlayLogf("gRPC server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server. Active streams are told to
// finish first so GracefulStop does not wait on them forever.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stopCh)
	p.closeClients()

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	overlayLogf("gRPC server stopped")
}

// SetServing updates the health status reported to clients. The
// watchdog flips this to false when the control loop stalls.
func (p *Publisher) SetServing(ok bool) {
	if p.health == nil {
		return
	}
	st := grpc_health_v1.HealthCheckResponse_SERVING
	if !ok {
		st = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	p.health.SetServingStatus("", st)
	p.health.SetServingStatus(ServiceName, st)
}

// Publish queues a tick for broadcast to all connected clients. The
// tick is dropped rather than blocking the caller when the queue is
// full.
func (p *Publisher) Publish(tick *track.MetadataTick) {
	if !p.running.Load() || tick == nil {
		return
	}

	queueDepth := len(p.tickChan)
	if queueDepth > tickQueueWarnDepth {
		overlayLogf("WARNING: tick queue depth high: %d/%d", queueDepth, tickQueueSize)
	}

	select {
	case p.tickChan <- tick:
		count := p.tickCount.Add(1)
		p.logPeriodicStats(count, queueDepth)
	default:
		dropped := p.droppedTicks.Add(1)
		overlayLogf("DROPPED tick %d (total dropped: %d), queue full", tick.FrameIndex, dropped)
	}
}

// RecordTick implements track.TelemetrySink.
func (p *Publisher) RecordTick(tick track.MetadataTick) {
	p.Publish(&tick)
}

// RecordTransition implements track.TelemetrySink. Phase changes reach
// viewers through the phase field of the next tick, so nothing extra
// goes on the wire.
func (p *Publisher) RecordTransition(from, to track.Phase, at time.Time) {}

// logPeriodicStats logs throughput stats every 5 seconds.
func (p *Publisher) logPeriodicStats(tickCount uint64, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastTickCount = tickCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= statsLogInterval {
		ticksInInterval := tickCount - p.lastTickCount
		rate := float64(ticksInInterval) / elapsed.Seconds()
		overlayLogf("stats: rate=%.1f/s ticks=%d dropped=%d clients=%d queue=%d/%d",
			rate, ticksInInterval, p.droppedTicks.Load(), p.clientCount.Load(), queueDepth, tickQueueSize)
		p.lastStatsTime = now
		p.lastTickCount = tickCount
	}
}

// broadcastLoop distributes ticks to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case tick := <-p.tickChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.tickCh <- tick:
				default:
					// Client is slow, drop the tick for this client.
					p.droppedTicks.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client. It returns nil when the
// client limit is reached.
func (p *Publisher) addClient(id string, req *StreamRequest) *clientStream {
	p.clientsMu.Lock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		p.clientsMu.Unlock()
		overlayLogf("Client rejected: %s (limit %d reached)", id, p.config.MaxClients)
		return nil
	}
	client := &clientStream{
		id:      id,
		request: req,
		tickCh:  make(chan *track.MetadataTick, clientQueueSize),
		doneCh:  make(chan struct{}),
	}
	p.clients[id] = client
	p.clientsMu.Unlock()

	p.clientCount.Add(1)
	overlayLogf("Client connected: %s (total: %d)", id, p.clientCount.Load())

	return client
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	if client, ok := p.clients[id]; ok {
		close(client.doneCh)
		delete(p.clients, id)
		p.clientsMu.Unlock()
		p.clientCount.Add(-1)
		overlayLogf("Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	} else {
		p.clientsMu.Unlock()
	}
}

// closeClients tears down every registered client. Streams see the
// doneCh close and return, which lets GracefulStop complete.
func (p *Publisher) closeClients() {
	p.clientsMu.Lock()
	for id, client := range p.clients {
		close(client.doneCh)
		delete(p.clients, id)
		p.clientCount.Add(-1)
	}
	p.clientsMu.Unlock()
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		TickCount:    p.tickCount.Load(),
		DroppedTicks: p.droppedTicks.Load(),
		ClientCount:  p.clientCount.Load(),
		Running:      p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	TickCount    uint64
	DroppedTicks uint64
	ClientCount  int32
	Running      bool
}

// GRPCServer returns the underlying gRPC server for extra service
// registration. It is nil before Start.
func (p *Publisher) GRPCServer() *grpc.Server {
	return p.server
}
