package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/retry"
)

// Source is a ChangeSource backed by Redis pub/sub.
type Source struct {
	rdb    *goredis.Client
	policy retry.Policy
	logger *slog.Logger

	mu       sync.Mutex
	sub      *goredis.PubSub
	messages <-chan *goredis.Message
}

// Ensure Source implements the ChangeSource interface.
var _ ports.ChangeSource = (*Source)(nil)

// NewSource creates a source on the given client. The source takes
// ownership of the client and closes it in Close.
func NewSource(rdb *goredis.Client, policy retry.Policy, logger *slog.Logger) *Source {
	return &Source{
		rdb:    rdb,
		policy: policy,
		logger: logger.With("component", "redis_source"),
	}
}

// Ping verifies the Redis connection. Unlike the Postgres source this is
// safe while Receive is blocked.
func (s *Source) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Connect waits until Redis answers, retrying with exponential backoff.
func (s *Source) Connect(ctx context.Context) error {
	err := retry.Do(ctx, s.policy, s.logger, "redis connect", func() error {
		return s.rdb.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("connect to change source: %w", err)
	}
	return nil
}

// Subscribe subscribes to every channel and waits for all confirmations.
func (s *Source) Subscribe(ctx context.Context, channels []domain.ChannelName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return apperrors.ErrAlreadySubscribed
	}
	if len(channels) == 0 {
		return apperrors.ErrNoChannels
	}
	if err := s.Connect(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		names = append(names, string(ch))
	}

	sub := s.rdb.Subscribe(ctx, names...)
	for range names {
		msg, err := sub.Receive(ctx)
		if err != nil {
			_ = sub.Close()
			return fmt.Errorf("subscribe to %v: %w", names, err)
		}
		if _, ok := msg.(*goredis.Subscription); !ok {
			_ = sub.Close()
			return fmt.Errorf("subscribe to %v: unexpected reply %T", names, msg)
		}
	}

	s.sub = sub
	s.messages = sub.Channel()
	s.logger.Info("subscribed to redis channels", "channels", names)
	return nil
}

// Receive blocks until the next message or until ctx is done.
func (s *Source) Receive(ctx context.Context) (domain.Notification, error) {
	s.mu.Lock()
	messages := s.messages
	s.mu.Unlock()

	if messages == nil {
		return domain.Notification{}, apperrors.ErrSourceClosed
	}

	select {
	case <-ctx.Done():
		return domain.Notification{}, ctx.Err()
	case msg, ok := <-messages:
		if !ok {
			return domain.Notification{}, apperrors.ErrSourceClosed
		}
		return domain.Notification{Channel: msg.Channel, Payload: msg.Payload}, nil
	}
}

// Close unsubscribes and closes the client.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var subErr error
	if s.sub != nil {
		subErr = s.sub.Close()
		s.sub = nil
		s.messages = nil
	}
	if err := s.rdb.Close(); err != nil {
		return err
	}
	return subErr
}
