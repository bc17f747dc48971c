package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kestrel-vision/kestrel/internal/api"
	"github.com/kestrel-vision/kestrel/internal/config"
	"github.com/kestrel-vision/kestrel/internal/db"
	"github.com/kestrel-vision/kestrel/internal/monitor"
	"github.com/kestrel-vision/kestrel/internal/overlay"
	"github.com/kestrel-vision/kestrel/internal/ptz"
	"github.com/kestrel-vision/kestrel/internal/timeutil"
	"github.com/kestrel-vision/kestrel/internal/track"
	"github.com/kestrel-vision/kestrel/internal/version"
	"github.com/kestrel-vision/kestrel/internal/vision"
	"github.com/kestrel-vision/kestrel/internal/vision/ingest"
)

var (
	// Service endpoints
	listen        = flag.String("listen", ":8080", "control API listen address")
	monitorListen = flag.String("monitor-listen", ":8081", "monitoring dashboard listen address (empty disables)")
	overlayListen = flag.String("overlay-listen", "localhost:50052", "overlay gRPC listen address (empty disables)")

	// Camera feed and detection inputs
	cameraID    = flag.String("camera-id", "ptz-01", "camera identifier reported in telemetry")
	streamURL   = flag.String("stream-url", "", "camera MJPEG stream URL (empty disables frame ingest)")
	detectorURL = flag.String("detector-url", "", "HTTP detector endpoint (empty uses the UDP event listener)")
	eventPort   = flag.Int("event-port", 9999, "UDP port for detection events")
	eventRcvBuf = flag.Int("event-rcvbuf", 0, "UDP receive buffer size in bytes (0 uses the system default)")
	frameWidth  = flag.Int("frame-width", 1280, "frame width in pixels")
	frameHeight = flag.Int("frame-height", 720, "frame height in pixels")

	// Camera driver
	cameraDriver  = flag.String("driver", "mock", "camera driver: isapi, pelco or mock")
	isapiHost     = flag.String("isapi-host", "", "ISAPI camera host (host or host:port)")
	isapiUser     = flag.String("isapi-user", "admin", "ISAPI username")
	isapiPassword = flag.String("isapi-password", "", "ISAPI password")
	isapiChannel  = flag.Int("isapi-channel", 1, "ISAPI PTZ channel")
	pelcoPort     = flag.String("pelco-port", "", "Pelco-D serial port path")
	pelcoAddress  = flag.Int("pelco-address", 1, "Pelco-D device address")
	pelcoBaud     = flag.Int("pelco-baud", 2400, "Pelco-D baud rate")

	// Persistence
	dbPath          = flag.String("db", "kestrel.db", "path to the sqlite database file")
	configPath      = flag.String("config", "", "tracking config JSON (empty uses built-in defaults)")
	telemetrySample = flag.Int("telemetry-sample", 5, "record every Nth tick to the session database")
)

// telemetryFanout forwards loop telemetry to every attached sink.
type telemetryFanout struct {
	sinks []track.TelemetrySink
}

func (f *telemetryFanout) RecordTick(tick track.MetadataTick) {
	for _, s := range f.sinks {
		s.RecordTick(tick)
	}
}

func (f *telemetryFanout) RecordTransition(from, to track.Phase, at time.Time) {
	for _, s := range f.sinks {
		s.RecordTransition(from, to, at)
	}
}

// Main
func main() {
	// The migrate subcommand manages the database schema and exits
	// without starting the daemon.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		migrateFlags := flag.NewFlagSet("migrate", flag.ExitOnError)
		migrateDB := migrateFlags.String("db", "kestrel.db", "path to the sqlite database file")
		migrateFlags.Parse(os.Args[2:])
		db.RunMigrateCommand(migrateFlags.Args(), *migrateDB)
		return
	}

	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	log.Printf("kestrel %s starting", version.Short())

	tracking := config.DefaultTrackingConfig()
	if *configPath != "" {
		loaded, err := config.LoadTrackingConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tracking config: %v", err)
		}
		tracking = loaded
	}

	database, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	actuator, err := ptz.Open(ptz.Config{
		Driver: *cameraDriver,
		ISAPI: ptz.ISAPIConfig{
			Host:     *isapiHost,
			Username: *isapiUser,
			Password: *isapiPassword,
			Channel:  *isapiChannel,
		},
		Pelco: ptz.PelcoConfig{
			PortPath: *pelcoPort,
			Address:  *pelcoAddress,
			BaudRate: *pelcoBaud,
		},
	})
	if err != nil {
		log.Fatalf("Failed to open camera driver: %v", err)
	}
	defer actuator.Close()

	// Each daemon run is one tracking session; telemetry and faults
	// hang off its row.
	configJSON, err := json.Marshal(tracking)
	if err != nil {
		log.Fatalf("Failed to encode tracking config: %v", err)
	}
	sessionID, err := database.StartSession(*cameraDriver, string(configJSON), time.Now())
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	log.Printf("Session %s started (driver %s)", sessionID, *cameraDriver)

	buffer := vision.NewFrameBuffer(tracking.GetBufferCapacity())
	streamStats := ingest.NewStreamStats()

	// Create a wait group for the ingest, control loop, and server routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Detections come either from an HTTP detector sidecar or from a
	// vision process pushing events over UDP.
	var detector vision.Detector
	var eventStats *ingest.EventStats
	monitorEventPort := 0
	if *detectorURL != "" {
		detector = ingest.NewHTTPDetector(*detectorURL)
		log.Printf("Using HTTP detector at %s", *detectorURL)
	} else {
		eventStats = ingest.NewEventStats()
		listener := ingest.NewUDPListener(ingest.UDPListenerConfig{
			Address: fmt.Sprintf(":%d", *eventPort),
			RcvBuf:  *eventRcvBuf,
			Stats:   eventStats,
		})
		detector = listener
		monitorEventPort = *eventPort

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				log.Fatalf("Event listener failed: %v", err)
			}
			log.Print("Event listener routine terminated")
		}()
	}

	// Pull frames from the camera into the frame buffer. Without a
	// stream the loop skips cycles until frames arrive.
	if *streamURL != "" {
		source := ingest.NewMJPEGSource(ingest.MJPEGConfig{
			URL:    *streamURL,
			Buffer: buffer,
			Stats:  streamStats,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("Stream ingest error: %v", err)
			}
			log.Print("Stream ingest routine terminated")
		}()
	} else {
		log.Print("No stream URL configured; frame ingest disabled")
	}

	var publisher *overlay.Publisher
	if *overlayListen != "" {
		overlayCfg := overlay.DefaultConfig()
		overlayCfg.ListenAddr = *overlayListen
		overlayCfg.CameraID = *cameraID
		publisher = overlay.NewPublisher(overlayCfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("Failed to start overlay publisher: %v", err)
		}
	}

	recorder := db.NewTelemetryRecorder(database, sessionID, *telemetrySample)
	sinks := []track.TelemetrySink{recorder}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	watchdog := track.NewWatchdog(timeutil.RealClock{}, tracking.GetWatchdogTimeout(), tracking.GetWatchdogInterval(), func(staleness time.Duration) {
		log.Printf("Watchdog fault: no fresh frames for %v", staleness)
		if err := database.RecordFault(sessionID, "watchdog", "no fresh frames reaching the control loop", staleness, time.Now()); err != nil {
			log.Printf("Failed to record fault: %v", err)
		}
		if publisher != nil {
			publisher.SetServing(false)
		}
	})
	watchdog.Start()
	defer watchdog.Stop()

	// Restore the overlay health status once heartbeats resume; the
	// watchdog re-arms itself after a fault.
	if publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(tracking.GetWatchdogInterval())
			defer ticker.Stop()
			faulted := false
			for {
				select {
				case <-ctx.Done():
					log.Print("Overlay health routine terminated")
					return
				case <-ticker.C:
					now := watchdog.Faulted()
					if faulted && !now {
						publisher.SetServing(true)
					}
					faulted = now
				}
			}
		}()
	}

	loop := track.NewLoop(track.LoopConfig{
		Tracking:    tracking,
		Buffer:      buffer,
		Detector:    detector,
		Actuator:    actuator,
		FrameWidth:  *frameWidth,
		FrameHeight: *frameHeight,
		Watchdog:    watchdog,
		Sink:        &telemetryFanout{sinks: sinks},
	})

	// run the control loop routine to drive the camera from detections
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
		log.Print("Control loop routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)

		// create a new API server instance and mount the API handlers
		apiServer := api.NewServer(loop, actuator, database, tracking, watchdog)
		mux.Handle("/api/", apiServer.ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		// Create a shutdown context with a timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Monitoring dashboard goroutine
	if *monitorListen != "" {
		webServer := monitor.NewWebServer(monitor.WebServerConfig{
			Address:     *monitorListen,
			CameraID:    *cameraID,
			StreamURL:   *streamURL,
			EventPort:   monitorEventPort,
			Loop:        loop,
			Buffer:      buffer,
			StreamStats: streamStats,
			EventStats:  eventStats,
			Watchdog:    watchdog,
			DB:          database,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := webServer.Start(ctx); err != nil {
				log.Printf("Monitor server error: %v", err)
			}
			log.Print("Monitor server routine terminated")
		}()
	}

	// Wait for all goroutines to finish
	wg.Wait()

	if publisher != nil {
		publisher.Stop()
	}
	if err := recorder.Close(); err != nil {
		log.Printf("Failed to flush telemetry recorder: %v", err)
	}
	if err := database.EndSession(sessionID, time.Now()); err != nil {
		log.Printf("Failed to end session: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
