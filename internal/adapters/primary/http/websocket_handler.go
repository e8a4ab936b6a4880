package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	mw "github.com/lorrc/service-desk-relay/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/service-desk-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-relay/internal/auth"
	"github.com/lorrc/service-desk-relay/internal/config"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

// WebSocketHandler accepts websocket upgrades and turns each connection into
// a registered session.
type WebSocketHandler struct {
	relay        ports.RelayStatus
	registry     *wsAdapter.Registry
	tm           *auth.TokenManager
	sessionCfg   wsAdapter.SessionConfig
	clock        clockwork.Clock
	metrics      ports.RelayMetrics
	errorHandler *ErrorHandler
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. A nil token manager
// accepts every connection without authentication.
func NewWebSocketHandler(
	relay ports.RelayStatus,
	registry *wsAdapter.Registry,
	tm *auth.TokenManager,
	cfg *config.Config,
	metrics ports.RelayMetrics,
	logger *slog.Logger,
) *WebSocketHandler {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	handler := &WebSocketHandler{
		relay:    relay,
		registry: registry,
		tm:       tm,
		sessionCfg: wsAdapter.SessionConfig{
			PingInterval:   cfg.WebSocket.PingInterval,
			PongWait:       cfg.WebSocket.PongWait,
			WriteWait:      cfg.WebSocket.WriteWait,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			SendQueueSize:  cfg.WebSocket.SendQueueSize,
		},
		clock:        clockwork.NewRealClock(),
		metrics:      metrics,
		errorHandler: NewErrorHandler(logger),
		logger:       logger.With("component", "websocket_handler"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:] // Remove the "*", keep ".example.com"
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	// 1. Refuse new sessions unless the relay is live
	if h.relay.State() != domain.RelayRunning {
		h.errorHandler.Handle(w, r, apperrors.NewUnavailableError(
			apperrors.ErrRelayNotRunning, "Relay is not accepting connections"))
		return
	}

	// 2. Authenticate the connection when required
	logger := h.logger.With("request_id", requestID)
	if h.tm != nil {
		claims, err := h.authenticate(r)
		if err != nil {
			logger.Warn("websocket connection rejected",
				"remote_addr", r.RemoteAddr,
				"error", err,
			)
			h.errorHandler.Handle(w, r, err)
			return
		}
		logger = logger.With("user_id", claims.UserID.String())
	}

	// 3. Upgrade the connection; the upgrader writes its own error response
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.UpgradeFailed()
		logger.Warn("failed to upgrade websocket connection", "error", err)
		return
	}

	// 4. Register before starting so the session is in every later snapshot
	session := wsAdapter.NewSession(conn, h.registry, h.clock, h.sessionCfg, h.metrics, logger)
	h.registry.Register(session)

	if err := session.Start(); err != nil {
		logger.Warn("session closed before start", "error", err)
		return
	}

	// The relay may have stopped while we were upgrading.
	if h.relay.State() != domain.RelayRunning {
		session.Close(domain.CloseReasonShutdown)
	}
}

// authenticate validates the token from the "token" query parameter or the
// Authorization header.
func (h *WebSocketHandler) authenticate(r *http.Request) (*auth.Claims, error) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		if header := r.Header.Get("Authorization"); header != "" {
			token, ok := mw.BearerToken(header)
			if !ok {
				return nil, apperrors.NewUnauthorizedError("Authorization header format must be Bearer {token}")
			}
			tokenString = token
		}
	}

	if tokenString == "" {
		return nil, apperrors.NewUnauthorizedError("Missing authentication token")
	}

	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		return nil, apperrors.NewUnauthorizedError("Invalid or expired token")
	}
	return claims, nil
}
