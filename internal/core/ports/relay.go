package ports

import (
	"context"

	"github.com/google/uuid"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
)

// ChangeSource defines the port for the upstream changefeed.
// Implementations own a single connection and are driven by one goroutine.
type ChangeSource interface {
	// Subscribe registers interest in all channels in one setup phase.
	Subscribe(ctx context.Context, channels []domain.ChannelName) error
	// Receive blocks until the next notification arrives. Any error other
	// than context cancellation means the connection is lost.
	Receive(ctx context.Context) (domain.Notification, error)
	Close(ctx context.Context) error
}

// ChangePublisher defines the producer-side port: business mutations
// publish a JSON payload on one of the relay's channels.
type ChangePublisher interface {
	Publish(ctx context.Context, channel domain.ChannelName, payload []byte) error
}

// Subscriber is a live session as seen by the broadcaster.
type Subscriber interface {
	ID() uuid.UUID
	// Enqueue must never block.
	Enqueue(message []byte) domain.DeliveryResult
}

// SessionRegistry defines the port for the set of live sessions.
type SessionRegistry interface {
	// Snapshot returns the sessions live at call time. The returned slice
	// is owned by the caller.
	Snapshot() []Subscriber
	Count() int
	CloseAll(reason string)
}

// RelayStatus exposes the relay lifecycle to the accept path and health checks.
type RelayStatus interface {
	State() domain.RelayState
}

// RelayMetrics defines the port for relay instrumentation.
type RelayMetrics interface {
	EventReceived(channel domain.ChannelName)
	EventDecodeFailed()
	EventQueueDropped(channel domain.ChannelName)
	MessageBroadcast(messageType domain.MessageType, reached int)
	SessionMessageDropped()
	SessionOpened()
	SessionClosed(reason string)
	UpgradeFailed()
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

var _ RelayMetrics = NoopMetrics{}

func (NoopMetrics) EventReceived(domain.ChannelName)         {}
func (NoopMetrics) EventDecodeFailed()                       {}
func (NoopMetrics) EventQueueDropped(domain.ChannelName)     {}
func (NoopMetrics) MessageBroadcast(domain.MessageType, int) {}
func (NoopMetrics) SessionMessageDropped()                   {}
func (NoopMetrics) SessionOpened()                           {}
func (NoopMetrics) SessionClosed(string)                     {}
func (NoopMetrics) UpgradeFailed()                           {}
