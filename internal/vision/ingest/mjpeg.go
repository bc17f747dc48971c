package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/vision"
)

const (
	jpegMarkerSOI = "\xff\xd8" // Start Of Image
	jpegMarkerEOI = "\xff\xd9" // End Of Image

	mjpegInitialBackoff = 500 * time.Millisecond
	mjpegMaxBackoff     = 10 * time.Second
)

// MJPEGConfig contains configuration options for the MJPEG source.
type MJPEGConfig struct {
	URL         string
	Buffer      *vision.FrameBuffer
	Client      httputil.HTTPClient // optional; defaults to an untimed client
	Stats       FrameStatsInterface // optional
	LogInterval time.Duration       // stats logging cadence, defaults to one minute
}

// MJPEGSource pulls frames from a camera's multipart/x-mixed-replace
// stream and publishes them into the frame buffer. Connection loss is
// handled with exponential backoff; a delivered frame resets the
// backoff so a healthy stream reconnects quickly after a blip.
type MJPEGSource struct {
	url         string
	client      httputil.HTTPClient
	buffer      *vision.FrameBuffer
	stats       FrameStatsInterface
	logInterval time.Duration

	seq uint64 // owned by the stream goroutine
}

// NewMJPEGSource creates a new MJPEG source with the provided configuration.
func NewMJPEGSource(cfg MJPEGConfig) *MJPEGSource {
	client := cfg.Client
	if client == nil {
		// no global timeout: the stream stays open indefinitely and
		// shutdown rides on context cancellation
		client = httputil.NewStandardClient(&http.Client{})
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopFrameStats{}
	}
	logInterval := cfg.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &MJPEGSource{
		url:         cfg.URL,
		client:      client,
		buffer:      cfg.Buffer,
		stats:       stats,
		logInterval: logInterval,
	}
}

// Run streams frames until ctx is cancelled, reconnecting on failure.
func (s *MJPEGSource) Run(ctx context.Context) error {
	ingestLogf("mjpeg source starting for %s", s.url)
	go s.startStatsLogging(ctx)

	backoff := mjpegInitialBackoff
	for {
		delivered, err := s.streamOnce(ctx)
		if ctx.Err() != nil {
			ingestLogf("mjpeg source stopping due to context cancellation")
			return ctx.Err()
		}
		if err != nil {
			ingestLogf("stream ended: %v (reconnecting in %v)", err, backoff)
		} else {
			ingestLogf("stream closed by camera (reconnecting in %v)", backoff)
		}
		s.stats.AddReconnect()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if delivered > 0 {
			backoff = mjpegInitialBackoff
		} else {
			backoff *= 2
			if backoff > mjpegMaxBackoff {
				backoff = mjpegMaxBackoff
			}
		}
	}
}

// startStatsLogging periodically logs stream statistics. An initial
// report fires shortly after startup to avoid a long first-run silence.
func (s *MJPEGSource) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		s.stats.LogStats()
	}

	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stats.LogStats()
		}
	}
}

// streamOnce opens the stream and reads parts until error, EOF or
// cancellation. It reports the number of frames delivered into the
// buffer on this connection.
func (s *MJPEGSource) streamOnce(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "multipart/x-mixed-replace")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bad status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return 0, fmt.Errorf("unexpected content type %q", contentType)
	}

	ingestLogf("stream connected: %s", s.url)

	mr := multipart.NewReader(resp.Body, params["boundary"])
	scratch := new(bytes.Buffer)
	delivered := 0

	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
		}

		part, err := mr.NextPart()
		if err == io.EOF {
			return delivered, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("error reading part: %w", err)
		}

		scratch.Reset()
		if _, err := io.Copy(scratch, part); err != nil {
			part.Close()
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			return delivered, fmt.Errorf("error reading frame body: %w", err)
		}
		part.Close()

		frame, ok := s.frameFromJPEG(scratch.Bytes())
		if !ok {
			s.stats.AddCorrupt()
			continue
		}
		s.buffer.Put(frame)
		s.stats.AddFrame(len(frame.Data))
		delivered++
	}
}

// frameFromJPEG validates the JPEG markers and assigns the next
// sequence number. Truncated images are rejected rather than handed to
// the control loop.
func (s *MJPEGSource) frameFromJPEG(data []byte) (vision.Frame, bool) {
	if len(data) < 4 ||
		!bytes.HasPrefix(data, []byte(jpegMarkerSOI)) ||
		!bytes.HasSuffix(data, []byte(jpegMarkerEOI)) {
		return vision.Frame{}, false
	}

	s.seq++
	frame := vision.Frame{
		Seq:      s.seq,
		Data:     data,
		Captured: time.Now(),
	}
	// Dimensions are advisory; the loop normalizes against its
	// configured geometry. Header parse failures leave them zero.
	if cfg, err := jpeg.DecodeConfig(bytes.NewReader(data)); err == nil {
		frame.Width, frame.Height = cfg.Width, cfg.Height
	}
	return frame, true
}
