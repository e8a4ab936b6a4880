package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/logging"
)

// BroadcastReport summarizes the fan-out of one ChangeEvent.
type BroadcastReport struct {
	Type    domain.MessageType
	Channel domain.ChannelName
	// Reached counts sessions that accepted the message.
	Reached int
	// Lagging counts reached sessions that had to drop their oldest message.
	Lagging int
	// Rejected counts sessions that closed between snapshot and enqueue.
	Rejected int
}

// Broadcaster routes ChangeEvents to tagged messages and fans them out to
// every live session without blocking on any of them.
type Broadcaster struct {
	registry ports.SessionRegistry
	metrics  ports.RelayMetrics
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster over the given registry.
func NewBroadcaster(registry ports.SessionRegistry, metrics ports.RelayMetrics, logger *slog.Logger) *Broadcaster {
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &Broadcaster{
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "broadcaster"),
	}
}

// Run consumes events in order until the queue is closed or ctx is done.
func (b *Broadcaster) Run(ctx context.Context, events <-chan domain.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.safeBroadcast(event)
		}
	}
}

func (b *Broadcaster) safeBroadcast(event domain.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(b.logger.With("channel", event.Channel), r)
		}
	}()

	if _, err := b.Broadcast(event); err != nil {
		b.logger.Error("broadcast failed", "channel", event.Channel, "error", err)
	}
}

// Broadcast encodes the event once and enqueues it on every session in the
// current registry snapshot.
func (b *Broadcaster) Broadcast(event domain.ChangeEvent) (BroadcastReport, error) {
	msg := domain.NewMessage(event)
	report := BroadcastReport{Type: msg.Type, Channel: event.Channel}

	data, err := msg.Encode()
	if err != nil {
		return report, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	for _, session := range b.registry.Snapshot() {
		switch session.Enqueue(data) {
		case domain.DeliveryQueued:
			report.Reached++
		case domain.DeliveryDroppedOldest:
			report.Reached++
			report.Lagging++
		case domain.DeliveryRejected:
			report.Rejected++
		}
	}

	b.metrics.MessageBroadcast(msg.Type, report.Reached)
	b.logger.Info("broadcast message",
		"message_type", msg.Type,
		"channel", event.Channel,
		"sessions_reached", report.Reached,
		"sessions_lagging", report.Lagging,
		"sessions_rejected", report.Rejected,
	)

	return report, nil
}
