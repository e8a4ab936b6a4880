package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

const defaultEventQueueSize = 256

// ChannelListener owns the upstream subscription. It decodes notifications
// into ChangeEvents and hands them to a bounded queue without blocking.
type ChannelListener struct {
	source   ports.ChangeSource
	channels []domain.ChannelName
	events   chan domain.ChangeEvent
	runOnce  sync.Once
	metrics  ports.RelayMetrics
	logger   *slog.Logger
}

// NewChannelListener creates a listener for the given channels. A queueSize
// below one selects the default.
func NewChannelListener(
	source ports.ChangeSource,
	channels []domain.ChannelName,
	queueSize int,
	metrics ports.RelayMetrics,
	logger *slog.Logger,
) *ChannelListener {
	if queueSize < 1 {
		queueSize = defaultEventQueueSize
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	return &ChannelListener{
		source:   source,
		channels: append([]domain.ChannelName(nil), channels...),
		events:   make(chan domain.ChangeEvent, queueSize),
		metrics:  metrics,
		logger:   logger.With("component", "channel_listener"),
	}
}

// Events returns the queue consumed by the broadcaster. It is closed when Run returns.
func (l *ChannelListener) Events() <-chan domain.ChangeEvent {
	return l.events
}

// Channels returns the channels this listener subscribes to.
func (l *ChannelListener) Channels() []domain.ChannelName {
	return append([]domain.ChannelName(nil), l.channels...)
}

// Subscribe issues the subscription for every channel in one setup phase.
func (l *ChannelListener) Subscribe(ctx context.Context) error {
	if len(l.channels) == 0 {
		return apperrors.ErrNoChannels
	}

	if err := l.source.Subscribe(ctx, l.channels); err != nil {
		return fmt.Errorf("subscribe to change source: %w", err)
	}

	l.logger.Info("subscribed to change channels", "channels", l.channels)
	return nil
}

// Run receives notifications until the context is cancelled (returns nil)
// or the upstream connection fails (returns an error wrapping ErrSourceClosed).
// Run must be called at most once.
func (l *ChannelListener) Run(ctx context.Context) (err error) {
	err = apperrors.ErrRelayStarted
	l.runOnce.Do(func() {
		defer close(l.events)
		err = l.receiveLoop(ctx)
	})
	return err
}

func (l *ChannelListener) receiveLoop(ctx context.Context) error {
	for {
		n, err := l.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("channel listener stopped")
				return nil
			}
			l.logger.Error("change source connection lost", "error", err)
			return fmt.Errorf("%w: %w", apperrors.ErrSourceClosed, err)
		}

		l.handle(n)
	}
}

// handle decodes one notification and forwards it. Decode failures are
// logged and dropped so one bad payload cannot stop the listener.
func (l *ChannelListener) handle(n domain.Notification) {
	event, err := domain.DecodeNotification(n)
	if err != nil {
		l.metrics.EventDecodeFailed()
		l.logger.Warn("dropping undecodable notification",
			"channel", n.Channel,
			"payload_bytes", len(n.Payload),
			"error", err,
		)
		return
	}

	l.metrics.EventReceived(event.Channel)
	l.logger.Info("change event received",
		"channel", event.Channel,
		"known_channel", event.Channel.IsKnown(),
		"payload_bytes", len(event.Payload),
	)

	select {
	case l.events <- event:
	default:
		l.metrics.EventQueueDropped(event.Channel)
		l.logger.Warn("event queue full, dropping event",
			"channel", event.Channel,
			"queue_capacity", cap(l.events),
		)
	}
}
