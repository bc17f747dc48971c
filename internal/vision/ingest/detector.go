package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/vision"
)

// detectRequestTimeout bounds a synchronous inference round trip. It is
// deliberately longer than one loop interval: a slow detector costs
// cycles but a hung one must not wedge the loop goroutine.
const detectRequestTimeout = 250 * time.Millisecond

// detectResponse is the inference service's reply payload.
type detectResponse struct {
	Detections []vision.Detection `json:"detections"`
}

// HTTPDetector runs frames through an external inference service. Each
// Detect posts the encoded frame and parses the detection list from the
// JSON reply.
type HTTPDetector struct {
	url    string
	client httputil.HTTPClient
}

// NewHTTPDetector creates a detector client for the service at url.
func NewHTTPDetector(url string) *HTTPDetector {
	return NewHTTPDetectorWithClient(url, httputil.NewTimeoutClient(detectRequestTimeout))
}

// NewHTTPDetectorWithClient creates a detector client using the given
// HTTP client.
func NewHTTPDetectorWithClient(url string, client httputil.HTTPClient) *HTTPDetector {
	return &HTTPDetector{url: url, client: client}
}

// Detect posts the frame to the inference service and returns its
// detections. Frame geometry rides in headers so the service can
// normalize its own coordinates.
func (d *HTTPDetector) Detect(ctx context.Context, frame vision.Frame) ([]vision.Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	req.Header.Set("X-Frame-Width", strconv.Itoa(frame.Width))
	req.Header.Set("X-Frame-Height", strconv.Itoa(frame.Height))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode detections: %w", err)
	}
	return parsed.Detections, nil
}
