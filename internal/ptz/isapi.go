package ptz

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kestrel-vision/kestrel/internal/httputil"
	"github.com/kestrel-vision/kestrel/internal/monitoring"
)

// ISAPI speed range. Normalized [-1, 1] velocities scale to [-100, 100].
const isapiSpeedScale = 100.0

// Absolute zoom range reported by Hikvision PTZ units.
const (
	isapiZoomMin = 10.0
	isapiZoomMax = 120.0
)

const isapiCommandRetries = 3

var isapiLogf = monitoring.Prefixed("isapi")

// ISAPIConfig carries the connection parameters for a Hikvision camera.
type ISAPIConfig struct {
	Host     string `json:"host"` // host or host:port
	Username string `json:"username"`
	Password string `json:"password"`
	Channel  int    `json:"channel"` // PTZ channel, defaults to 1

	// Timeout bounds each HTTP round trip. Zero means 5s.
	Timeout time.Duration `json:"-"`
}

// ISAPIActuator drives a Hikvision PTZ camera over the ISAPI HTTP
// protocol. Commands are serialized: the camera rejects overlapping
// PTZCtrl writes, so a mutex orders them. Digest authentication is
// negotiated per request from the camera's 401 challenge.
type ISAPIActuator struct {
	host    string
	user    string
	pass    string
	channel int
	client  httputil.HTTPClient

	mu sync.Mutex
	// last commanded velocities, kept so a partial-axis stop can
	// re-issue the still-moving axes unchanged
	lastPan, lastTilt, lastZoom float64
}

// NewISAPIActuator creates a driver for the camera at cfg.Host using the
// default HTTP client. Use NewISAPIActuatorWithClient to inject a client
// in tests.
func NewISAPIActuator(cfg ISAPIConfig) *ISAPIActuator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewISAPIActuatorWithClient(cfg, httputil.NewTimeoutClient(timeout))
}

// NewISAPIActuatorWithClient creates a driver using the given HTTP client.
func NewISAPIActuatorWithClient(cfg ISAPIConfig, client httputil.HTTPClient) *ISAPIActuator {
	channel := cfg.Channel
	if channel <= 0 {
		channel = 1
	}
	return &ISAPIActuator{
		host:    cfg.Host,
		user:    cfg.Username,
		pass:    cfg.Password,
		channel: channel,
		client:  client,
	}
}

// ContinuousMove commands pan/tilt/zoom velocities. Values outside
// [-1, 1] are clamped before scaling to the ISAPI speed range.
func (a *ISAPIActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	pan, tilt, zoom = clampUnit(pan), clampUnit(tilt), clampUnit(zoom)
	if err := a.sendContinuous(ctx, pan, tilt, zoom); err != nil {
		return err
	}
	a.lastPan, a.lastTilt, a.lastZoom = pan, tilt, zoom
	return nil
}

// Stop halts the selected axes. ISAPI continuous writes set all three
// axes at once, so unselected axes are re-issued at their last
// commanded velocity.
func (a *ISAPIActuator) Stop(ctx context.Context, axes Axis) error {
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
	if err := a.sendContinuous(ctx, pan, tilt, zoom); err != nil {
		return err
	}
	a.lastPan, a.lastTilt, a.lastZoom = pan, tilt, zoom
	return nil
}

// GotoHome drives the camera to its home position preset.
func (a *ISAPIActuator) GotoHome(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	uri := fmt.Sprintf("/ISAPI/PTZCtrl/channels/%d/homeposition/goto", a.channel)
	if err := a.put(ctx, uri, ""); err != nil {
		return fmt.Errorf("goto home: %w", err)
	}
	a.lastPan, a.lastTilt, a.lastZoom = 0, 0, 0
	return nil
}

// SetZoom commands an absolute zoom position. value in [0, 1] maps
// linearly onto the camera's absolute zoom range.
func (a *ISAPIActuator) SetZoom(ctx context.Context, value float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if value < 0 {
		value = 0
	} else if value > 1 {
		value = 1
	}
	absolute := isapiZoomMin + value*(isapiZoomMax-isapiZoomMin)

	uri := fmt.Sprintf("/ISAPI/PTZCtrl/channels/%d/absolute", a.channel)
	payload := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><PTZData><AbsoluteHigh><absoluteZoom>%.0f</absoluteZoom></AbsoluteHigh></PTZData>`,
		absolute)
	if err := a.put(ctx, uri, payload); err != nil {
		return fmt.Errorf("set zoom: %w", err)
	}
	return nil
}

// Close is a no-op: ISAPI is connectionless between commands.
func (a *ISAPIActuator) Close() error { return nil }

func (a *ISAPIActuator) sendContinuous(ctx context.Context, pan, tilt, zoom float64) error {
	uri := fmt.Sprintf("/ISAPI/PTZCtrl/channels/%d/continuous", a.channel)
	payload := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><PTZData><Continuous><pan>%.0f</pan><tilt>%.0f</tilt><zoom>%.0f</zoom></Continuous></PTZData>`,
		pan*isapiSpeedScale, tilt*isapiSpeedScale, zoom*isapiSpeedScale)
	if err := a.put(ctx, uri, payload); err != nil {
		return fmt.Errorf("continuous move: %w", err)
	}
	return nil
}

// put issues a PUT to the camera with retry and digest authentication.
// The camera answers the first unauthenticated request with a 401
// challenge; the request is replayed with the computed digest header.
func (a *ISAPIActuator) put(ctx context.Context, uri, payload string) error {
	url := "http://" + a.host + uri

	var lastErr error
	for attempt := 0; attempt < isapiCommandRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}

		resp, err := a.doPut(ctx, url, uri, payload, "")
		if err != nil {
			lastErr = err
			isapiLogf("command failed (attempt %d/%d): %v", attempt+1, isapiCommandRetries, err)
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		if resp.StatusCode == http.StatusUnauthorized {
			auth, err := a.digestFromChallenge(resp.Header.Get("WWW-Authenticate"), http.MethodPut, uri)
			if err != nil {
				lastErr = err
				continue
			}
			resp, err = a.doPut(ctx, url, uri, payload, auth)
			if err != nil {
				lastErr = err
				continue
			}
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		lastErr = fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(resp.Body))
		isapiLogf("command failed (attempt %d/%d): %v", attempt+1, isapiCommandRetries, lastErr)
	}
	return fmt.Errorf("all %d attempts failed: %w", isapiCommandRetries, lastErr)
}

// isapiResponse is a drained HTTP response. Bodies are read eagerly so
// the underlying connection can be reused across retries.
type isapiResponse struct {
	StatusCode int
	Header     http.Header
	Body       string
}

func (a *ISAPIActuator) doPut(ctx context.Context, url, uri, payload, authorization string) (*isapiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	req.ContentLength = int64(len(payload))
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &isapiResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: string(body)}, nil
}

// digestFromChallenge parses the WWW-Authenticate challenge and builds
// the Authorization header for the replay (MD5, qop=auth).
func (a *ISAPIActuator) digestFromChallenge(challenge, method, uri string) (string, error) {
	if challenge == "" {
		return "", fmt.Errorf("no WWW-Authenticate header in response")
	}

	var realm, nonce string
	for _, part := range strings.Split(challenge, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "realm="); ok {
			realm = strings.Trim(v, `"`)
		} else if v, ok := strings.CutPrefix(part, "nonce="); ok {
			nonce = strings.Trim(v, `"`)
		}
	}
	if realm == "" || nonce == "" {
		return "", fmt.Errorf("invalid WWW-Authenticate header: %s", challenge)
	}

	cnonceBytes := md5.Sum([]byte(time.Now().String()))
	cnonce := base64.StdEncoding.EncodeToString(cnonceBytes[:])

	ha1 := md5Hex(a.user + ":" + realm + ":" + a.pass)
	ha2 := md5Hex(method + ":" + uri)
	response := md5Hex(ha1 + ":" + nonce + ":00000001:" + cnonce + ":auth:" + ha2)

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", cnonce="%s", nc=00000001, qop=auth, response="%s"`,
		a.user, realm, nonce, uri, cnonce, response), nil
}

func md5Hex(s string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(s)))
}

func clampUnit(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}
