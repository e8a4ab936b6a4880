package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/lorrc/service-desk-relay/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/service-desk-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-relay/internal/auth"
	"github.com/lorrc/service-desk-relay/internal/config"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/services"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStatus is a ports.RelayStatus with a settable state.
type stubStatus struct {
	state atomic.Int32
}

func newStubStatus(state domain.RelayState) *stubStatus {
	s := &stubStatus{}
	s.state.Store(int32(state))
	return s
}

func (s *stubStatus) State() domain.RelayState {
	return domain.RelayState(s.state.Load())
}

func testConfig() *config.Config {
	return &config.Config{
		WebSocket: config.WebSocketConfig{
			Path:            "/ws",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    30 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageSize:  1024,
			SendQueueSize:   16,
		},
		App: config.AppConfig{Environment: "test"},
	}
}

type relayFixture struct {
	registry    *wsAdapter.Registry
	broadcaster *services.Broadcaster
	status      *stubStatus
	url         string
}

func newRelayFixture(t *testing.T, tm *auth.TokenManager, cfg *config.Config) *relayFixture {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	logger := discardLogger()
	registry := wsAdapter.NewRegistry(logger)
	status := newStubStatus(domain.RelayRunning)

	handler := NewWebSocketHandler(status, registry, tm, cfg, nil, logger)

	r := chi.NewRouter()
	r.Use(mw.RequestID)
	r.Get(cfg.WebSocket.Path, handler.ServeHTTP)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		registry.CloseAll(domain.CloseReasonShutdown)
		srv.Close()
	})

	return &relayFixture{
		registry:    registry,
		broadcaster: services.NewBroadcaster(registry, nil, logger),
		status:      status,
		url:         "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.WebSocket.Path,
	}
}

// connect dials the relay and waits until the session is registered.
func (f *relayFixture) connect(t *testing.T, rawQuery string, header stdhttp.Header) *websocket.Conn {
	t.Helper()

	before := f.registry.Count()
	target := f.url
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return f.registry.Count() == before+1
	}, 2*time.Second, 5*time.Millisecond)

	return conn
}

// reject dials the relay expecting the handshake to fail.
func (f *relayFixture) reject(t *testing.T, rawQuery string, header stdhttp.Header) (*stdhttp.Response, ErrorResponse) {
	t.Helper()

	target := f.url
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, header)
	if conn != nil {
		_ = conn.Close()
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	var body ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestWebSocketHandler_RelaysToEverySession(t *testing.T) {
	f := newRelayFixture(t, nil, nil)

	clients := []*websocket.Conn{
		f.connect(t, "", nil),
		f.connect(t, "", nil),
		f.connect(t, "", nil),
	}

	report, err := f.broadcaster.Broadcast(domain.ChangeEvent{
		Channel: domain.ChannelMemberComments,
		Payload: json.RawMessage(`{"comment_id":5,"text":"hi"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Reached)

	for _, c := range clients {
		assert.Equal(t, `{"type":"member_comment_update","data":{"comment_id":5,"text":"hi"}}`, readMessage(t, c))
	}

	_, err = f.broadcaster.Broadcast(domain.ChangeEvent{
		Channel: "unknown_channel",
		Payload: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)

	for _, c := range clients {
		assert.Equal(t, `{"type":"ticket_update","data":{"x":1}}`, readMessage(t, c))
	}
}

func TestWebSocketHandler_DisconnectedSessionIsSkipped(t *testing.T) {
	f := newRelayFixture(t, nil, nil)

	leaving := f.connect(t, "", nil)
	staying := f.connect(t, "", nil)

	require.NoError(t, leaving.Close())
	require.Eventually(t, func() bool {
		return f.registry.Count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	report, err := f.broadcaster.Broadcast(domain.ChangeEvent{
		Channel: domain.ChannelTickets,
		Payload: json.RawMessage(`{"id":9}`),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Reached)
	assert.Equal(t, `{"type":"ticket_update","data":{"id":9}}`, readMessage(t, staying))
}

func TestWebSocketHandler_RejectsWhileRelayNotRunning(t *testing.T) {
	f := newRelayFixture(t, nil, nil)

	for _, state := range []domain.RelayState{domain.RelayStopped, domain.RelayStarting} {
		t.Run(state.String(), func(t *testing.T) {
			f.status.state.Store(int32(state))

			resp, body := f.reject(t, "", nil)
			assert.Equal(t, stdhttp.StatusServiceUnavailable, resp.StatusCode)
			assert.Equal(t, "SERVICE_UNAVAILABLE", body.Code)
			assert.Zero(t, f.registry.Count())
		})
	}
}

func TestWebSocketHandler_Authentication(t *testing.T) {
	tm := auth.NewTokenManager("test-secret-that-is-long-enough!", time.Hour)
	f := newRelayFixture(t, tm, nil)

	token, err := tm.GenerateToken(uuid.New())
	require.NoError(t, err)

	foreign, err := auth.NewTokenManager("another-secret", time.Hour).GenerateToken(uuid.New())
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		resp, body := f.reject(t, "", nil)
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "UNAUTHORIZED", body.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		resp, _ := f.reject(t, "token="+foreign, nil)
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("malformed header", func(t *testing.T) {
		resp, _ := f.reject(t, "", stdhttp.Header{"Authorization": {"Token " + token}})
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("query token", func(t *testing.T) {
		f.connect(t, "token="+token, nil)
	})

	t.Run("bearer header", func(t *testing.T) {
		f.connect(t, "", stdhttp.Header{"Authorization": {"Bearer " + token}})
	})
}

func TestWebSocketHandler_OriginCheck(t *testing.T) {
	cfg := testConfig()
	cfg.App.Environment = "production"
	cfg.WebSocket.AllowedOrigins = []string{"app.example.com", "*.example.org"}
	f := newRelayFixture(t, nil, cfg)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"https://desk.example.org", true},
		{"https://example.org", true},
		{"https://evil.example.net", false},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			header := stdhttp.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}

			if tt.allowed {
				f.connect(t, "", header)
				return
			}

			resp, _ := f.reject(t, "", header)
			assert.Equal(t, stdhttp.StatusForbidden, resp.StatusCode)
		})
	}
}

func TestWebSocketHandler_SlowClientDoesNotDelayOthers(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.SendQueueSize = 4
	cfg.WebSocket.WriteWait = 5 * time.Second
	f := newRelayFixture(t, nil, cfg)

	stalled := f.connect(t, "", nil)
	if tcp, ok := stalled.UnderlyingConn().(*net.TCPConn); ok {
		require.NoError(t, tcp.SetReadBuffer(4096))
	}
	healthy := f.connect(t, "", nil)

	blob := json.RawMessage(`{"blob":"` + strings.Repeat("x", 256<<10) + `"}`)
	blobMessage := `{"type":"event_update","data":` + string(blob) + `}`

	// The healthy client reads every message before the next broadcast, so
	// once a broadcast reports lag it is the stalled client's queue that
	// overflowed: its socket is full and its writer is blocked.
	lagging := 0
	for i := 0; i < 256 && lagging == 0; i++ {
		report, err := f.broadcaster.Broadcast(domain.ChangeEvent{Channel: domain.ChannelEvents, Payload: blob})
		require.NoError(t, err)
		lagging += report.Lagging

		require.Len(t, readMessage(t, healthy), len(blobMessage))
	}
	require.Positive(t, lagging, "stalled client never backed up")

	start := time.Now()
	report, err := f.broadcaster.Broadcast(domain.ChangeEvent{
		Channel: domain.ChannelEvents,
		Payload: json.RawMessage(`{"marker":true}`),
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "broadcast waited on a stalled client")
	assert.GreaterOrEqual(t, report.Reached, 1)

	assert.Equal(t, `{"type":"event_update","data":{"marker":true}}`, readMessage(t, healthy))
	assert.Less(t, time.Since(start), 2*time.Second)
}
