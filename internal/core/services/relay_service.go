package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

const sourceCloseTimeout = 5 * time.Second

// RelayConfig defines the relay's upstream subscription.
type RelayConfig struct {
	Channels       []domain.ChannelName
	EventQueueSize int
}

// RelayStats is a point-in-time view of the relay.
type RelayStats struct {
	State    string   `json:"state"`
	Sessions int      `json:"sessions"`
	Channels []string `json:"channels"`
}

// RelayService owns the change source, the listener, the broadcaster and the
// session registry. It is constructed once per process.
type RelayService struct {
	source      ports.ChangeSource
	registry    ports.SessionRegistry
	listener    *ChannelListener
	broadcaster *Broadcaster
	state       atomic.Int32
	started     atomic.Bool
	logger      *slog.Logger
}

var _ ports.RelayStatus = (*RelayService)(nil)

// NewRelayService wires a relay around the given source and registry.
func NewRelayService(
	source ports.ChangeSource,
	registry ports.SessionRegistry,
	cfg RelayConfig,
	metrics ports.RelayMetrics,
	logger *slog.Logger,
) *RelayService {
	return &RelayService{
		source:      source,
		registry:    registry,
		listener:    NewChannelListener(source, cfg.Channels, cfg.EventQueueSize, metrics, logger),
		broadcaster: NewBroadcaster(registry, metrics, logger),
		logger:      logger.With("component", "relay"),
	}
}

// State returns the current relay state.
func (s *RelayService) State() domain.RelayState {
	return domain.RelayState(s.state.Load())
}

// Stats returns the relay state, live session count and subscribed channels.
func (s *RelayService) Stats() RelayStats {
	channels := s.listener.Channels()
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch))
	}

	return RelayStats{
		State:    s.State().String(),
		Sessions: s.registry.Count(),
		Channels: names,
	}
}

// Run subscribes to the change source and relays events until ctx is
// cancelled or the upstream connection fails. A nil return means an
// orderly shutdown; any other error is fatal and the relay is not restarted.
// On return every session has been closed and the source released.
func (s *RelayService) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return apperrors.ErrRelayStarted
	}

	s.setState(domain.RelayStarting)
	defer s.stop()

	if err := s.listener.Subscribe(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.setState(domain.RelayRunning)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.broadcaster.Run(ctx, s.listener.Events())
	}()

	err := s.listener.Run(ctx)
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("relay stopped on fatal listener error", "error", err)
		return err
	}
	return nil
}

func (s *RelayService) stop() {
	s.setState(domain.RelayStopped)
	s.registry.CloseAll(domain.CloseReasonShutdown)

	ctx, cancel := context.WithTimeout(context.Background(), sourceCloseTimeout)
	defer cancel()
	if err := s.source.Close(ctx); err != nil {
		s.logger.Warn("failed to close change source", "error", err)
	}

	s.logger.Info("relay stopped")
}

func (s *RelayService) setState(state domain.RelayState) {
	prev := domain.RelayState(s.state.Swap(int32(state)))
	if prev != state {
		s.logger.Info("relay state changed", "from", prev.String(), "to", state.String())
	}
}
