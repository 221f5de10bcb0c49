package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihandlers "github.com/anstrom/portwatch/internal/api/handlers"
	"github.com/anstrom/portwatch/internal/api/middleware"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/profiles"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/watch"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(logging.DefaultConfig(), io.Discard)
}

func trackedHosts() *watch.Tracker {
	tracker := watch.NewTracker(2)
	tracker.Observe(scanning.Result{
		Profile: profiles.HostProfile{Host: "10.0.0.1", Ports: profiles.NewPortList(22, 80)},
		Snapshot: &scanning.Snapshot{
			Host:      "10.0.0.1",
			Timestamp: time.Now(),
			Reachable: true,
			Ports:     map[int]scanning.PortStatus{22: scanning.NewPortStatus(scanning.StateOpen, "ssh")},
		},
		Cycle: 1,
	})
	return tracker
}

func newTestServer(t *testing.T, cfg Config, deps Dependencies) *Server {
	t.Helper()
	if deps.Hosts == nil {
		deps.Hosts = trackedHosts()
	}
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestNew_Validation(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{})
	assert.Error(t, err, "host source is required")

	cfg := DefaultConfig()
	cfg.Port = 70000
	_, err = New(cfg, Dependencies{Hosts: watch.NewTracker(1)})
	assert.Error(t, err)
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), Dependencies{})

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/", http.StatusOK, `"service":"portwatch"`},
		{"/api/v1/liveness", http.StatusOK, `"alive"`},
		{"/api/v1/health", http.StatusServiceUnavailable, `"unhealthy"`},
		{"/api/v1/version", http.StatusOK, `"go_version"`},
		{"/api/v1/hosts", http.StatusOK, `"10.0.0.1"`},
		{"/api/v1/hosts/10.0.0.1", http.StatusOK, `"ssh"`},
		{"/api/v1/hosts/10.0.0.1/history", http.StatusOK, `"count":1`},
		{"/api/v1/hosts/10.0.0.9", http.StatusNotFound, "not tracked"},
		{"/api/v1/stats", http.StatusOK, `"up":1`},
		{"/metrics", http.StatusOK, "portwatch_"},
		{"/does/not/exist", http.StatusNotFound, "no route"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rr := get(t, s.Handler(), tt.path)
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.contains)
			assert.NotEmpty(t, rr.Header().Get(middleware.RequestIDHeader))
		})
	}
}

func TestServer_WebSocketRouteOnlyWithStream(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), Dependencies{})
	rr := get(t, s.Handler(), "/api/v1/updates/ws")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_RateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 0.001
	cfg.RateLimitBurst = 2
	s := newTestServer(t, cfg, Dependencies{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, get(t, s.Handler(), "/api/v1/liveness").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestServer_RateLimitKeyedOnClientAddress(t *testing.T) {
	rotating := func(t *testing.T, h http.Handler) []int {
		t.Helper()
		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/liveness", nil)
			req.RemoteAddr = "192.0.2.10:4000"
			req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			codes = append(codes, rr.Code)
		}
		return codes
	}

	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 0.001
	cfg.RateLimitBurst = 2

	t.Run("forwarding headers ignored by default", func(t *testing.T) {
		s := newTestServer(t, cfg, Dependencies{})
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, rotating(t, s.Handler()))
	})

	t.Run("forwarding headers trusted behind a proxy", func(t *testing.T) {
		trusted := cfg
		trusted.TrustProxyHeaders = true
		s := newTestServer(t, trusted, Dependencies{})
		assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusOK}, rotating(t, s.Handler()))
	})
}

func TestServer_CORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableCORS = true
	cfg.CORSOrigins = []string{"https://dashboard.example"}
	s := newTestServer(t, cfg, Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/hosts", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "https://dashboard.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StartStreamStop(t *testing.T) {
	stream := apihandlers.NewWebSocketHandler(nil, nil)
	defer func() { _ = stream.Close() }()

	cfg := DefaultConfig()
	cfg.Port = 0
	s := newTestServer(t, cfg, Dependencies{Stream: stream})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(s.GetAddress(), ":0")
	}, 2*time.Second, 5*time.Millisecond)
	addr := s.GetAddress()

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/liveness", addr))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, wsResp, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/v1/updates/ws", addr), nil)
	require.NoError(t, err)
	if wsResp != nil && wsResp.Body != nil {
		_ = wsResp.Body.Close()
	}
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return stream.ConnectedClients() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, stream.Deliver(ctx, &watch.HostUpdate{Type: watch.UpdateDown, Host: "10.0.0.1"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg apihandlers.WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, apihandlers.MessageHostUpdate, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "DOWN", data["type"])

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_IndexIsJSON(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), Dependencies{})
	rr := get(t, s.Handler(), "/")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "endpoints")
}
