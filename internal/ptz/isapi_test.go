package ptz

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/kestrel-vision/kestrel/internal/httputil"
)

func newTestISAPI(client httputil.HTTPClient) *ISAPIActuator {
	return NewISAPIActuatorWithClient(ISAPIConfig{
		Host:     "192.168.1.64",
		Username: "admin",
		Password: "secret",
	}, client)
}

func requestBody(t *testing.T, req *http.Request) string {
	t.Helper()
	if req.Body == nil {
		return ""
	}
	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	return string(data)
}

func TestISAPIContinuousMove(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "")
	a := newTestISAPI(client)

	if err := a.ContinuousMove(context.Background(), 0.5, -0.25, 0.1); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}

	req := client.GetRequest(0)
	if req == nil {
		t.Fatal("no request issued")
	}
	if req.Method != http.MethodPut {
		t.Errorf("method = %s, want PUT", req.Method)
	}
	wantURL := "http://192.168.1.64/ISAPI/PTZCtrl/channels/1/continuous"
	if req.URL.String() != wantURL {
		t.Errorf("url = %s, want %s", req.URL, wantURL)
	}
	body := requestBody(t, req)
	for _, fragment := range []string{"<pan>50</pan>", "<tilt>-25</tilt>", "<zoom>10</zoom>"} {
		if !strings.Contains(body, fragment) {
			t.Errorf("body missing %s: %s", fragment, body)
		}
	}
}

func TestISAPIVelocityClamping(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "")
	a := newTestISAPI(client)

	if err := a.ContinuousMove(context.Background(), 3.0, -2.0, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}

	body := requestBody(t, client.GetRequest(0))
	if !strings.Contains(body, "<pan>100</pan>") || !strings.Contains(body, "<tilt>-100</tilt>") {
		t.Errorf("out-of-range velocities not clamped: %s", body)
	}
}

func TestISAPIDigestChallenge(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	challenge := http.Header{}
	challenge.Set("WWW-Authenticate", `Digest qop="auth", realm="DS-2DE4225", nonce="4e6f6e6365"`)
	client.Responses = append(client.Responses, &httputil.MockResponse{
		StatusCode: http.StatusUnauthorized,
		Headers:    challenge,
	})
	client.AddResponse(200, "")
	a := newTestISAPI(client)

	if err := a.ContinuousMove(context.Background(), 0.5, 0, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	if client.RequestCount() != 2 {
		t.Fatalf("request count = %d, want 2 (challenge + replay)", client.RequestCount())
	}

	auth := client.GetRequest(1).Header.Get("Authorization")
	for _, fragment := range []string{
		`Digest username="admin"`,
		`realm="DS-2DE4225"`,
		`nonce="4e6f6e6365"`,
		`uri="/ISAPI/PTZCtrl/channels/1/continuous"`,
		`qop=auth`,
		`response="`,
	} {
		if !strings.Contains(auth, fragment) {
			t.Errorf("authorization missing %s: %s", fragment, auth)
		}
	}
}

func TestISAPIMalformedChallenge(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	for i := 0; i < isapiCommandRetries; i++ {
		// 401 without realm/nonce cannot be answered
		client.AddResponse(http.StatusUnauthorized, "")
	}
	a := newTestISAPI(client)

	if err := a.ContinuousMove(context.Background(), 0.5, 0, 0); err == nil {
		t.Fatal("expected error for unanswerable challenge")
	}
}

func TestISAPIRetriesExhausted(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.DefaultError = errors.New("connection refused")
	a := newTestISAPI(client)

	err := a.ContinuousMove(context.Background(), 0.5, 0, 0)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if client.RequestCount() != isapiCommandRetries {
		t.Errorf("request count = %d, want %d", client.RequestCount(), isapiCommandRetries)
	}
}

func TestISAPIStopPreservesOtherAxes(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "").AddResponse(200, "")
	a := newTestISAPI(client)

	ctx := context.Background()
	if err := a.ContinuousMove(ctx, 0.5, -0.3, 0.2); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	if err := a.Stop(ctx, AxisPan); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	body := requestBody(t, client.GetRequest(1))
	for _, fragment := range []string{"<pan>0</pan>", "<tilt>-30</tilt>", "<zoom>20</zoom>"} {
		if !strings.Contains(body, fragment) {
			t.Errorf("partial stop body missing %s: %s", fragment, body)
		}
	}
}

func TestISAPIStopAllAxes(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "").AddResponse(200, "")
	a := newTestISAPI(client)

	ctx := context.Background()
	if err := a.ContinuousMove(ctx, 1, 1, 1); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	if err := a.Stop(ctx, AllAxes); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	body := requestBody(t, client.GetRequest(1))
	for _, fragment := range []string{"<pan>0</pan>", "<tilt>0</tilt>", "<zoom>0</zoom>"} {
		if !strings.Contains(body, fragment) {
			t.Errorf("stop body missing %s: %s", fragment, body)
		}
	}
}

func TestISAPIGotoHome(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "")
	a := newTestISAPI(client)

	if err := a.GotoHome(context.Background()); err != nil {
		t.Fatalf("GotoHome: %v", err)
	}
	wantURL := "http://192.168.1.64/ISAPI/PTZCtrl/channels/1/homeposition/goto"
	if got := client.GetRequest(0).URL.String(); got != wantURL {
		t.Errorf("url = %s, want %s", got, wantURL)
	}
}

func TestISAPISetZoomScaling(t *testing.T) {
	cases := []struct {
		value float64
		want  string
	}{
		{0, "<absoluteZoom>10</absoluteZoom>"},
		{1, "<absoluteZoom>120</absoluteZoom>"},
		{0.5, "<absoluteZoom>65</absoluteZoom>"},
		{2.5, "<absoluteZoom>120</absoluteZoom>"}, // clamped
	}
	for _, tc := range cases {
		client := httputil.NewMockHTTPClient()
		client.AddResponse(200, "")
		a := newTestISAPI(client)

		if err := a.SetZoom(context.Background(), tc.value); err != nil {
			t.Fatalf("SetZoom(%v): %v", tc.value, err)
		}
		req := client.GetRequest(0)
		if !strings.HasSuffix(req.URL.Path, "/absolute") {
			t.Errorf("SetZoom(%v) path = %s, want .../absolute", tc.value, req.URL.Path)
		}
		if body := requestBody(t, req); !strings.Contains(body, tc.want) {
			t.Errorf("SetZoom(%v) body = %s, want %s", tc.value, body, tc.want)
		}
	}
}

func TestISAPIChannelSelection(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	client.AddResponse(200, "")
	a := NewISAPIActuatorWithClient(ISAPIConfig{Host: "cam.local:8080", Channel: 2}, client)

	if err := a.ContinuousMove(context.Background(), 0, 0, 0); err != nil {
		t.Fatalf("ContinuousMove: %v", err)
	}
	wantURL := "http://cam.local:8080/ISAPI/PTZCtrl/channels/2/continuous"
	if got := client.GetRequest(0).URL.String(); got != wantURL {
		t.Errorf("url = %s, want %s", got, wantURL)
	}
}
