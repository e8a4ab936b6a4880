package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lorrc/service-desk-relay/internal/core/services"
)

// RelayStatsProvider exposes a point-in-time view of the relay.
type RelayStatsProvider interface {
	Stats() services.RelayStats
}

// RelayHandler serves operational endpoints for the relay.
type RelayHandler struct {
	relay  RelayStatsProvider
	logger *slog.Logger
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(relay RelayStatsProvider, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		relay:  relay,
		logger: logger,
	}
}

// RegisterRoutes registers the relay routes
func (h *RelayHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stats", h.HandleStats)
}

// HandleStats returns the relay state, session count and channel list.
func (h *RelayHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	h.logger.DebugContext(r.Context(), "relay stats requested",
		"sessions", stats.Sessions,
	)
	WriteSuccess(w, stats)
}
