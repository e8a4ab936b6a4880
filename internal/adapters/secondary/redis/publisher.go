package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/retry"
)

// Publisher is a ChangePublisher that issues PUBLISH, retrying transient
// failures.
type Publisher struct {
	rdb    *goredis.Client
	policy retry.Policy
	logger *slog.Logger
}

// Ensure Publisher implements the ChangePublisher interface.
var _ ports.ChangePublisher = (*Publisher)(nil)

// NewPublisher creates a publisher on the given client.
func NewPublisher(rdb *goredis.Client, policy retry.Policy, logger *slog.Logger) *Publisher {
	return &Publisher{
		rdb:    rdb,
		policy: policy,
		logger: logger.With("component", "redis_publisher"),
	}
}

// Publish sends payload on channel.
func (p *Publisher) Publish(ctx context.Context, channel domain.ChannelName, payload []byte) error {
	if channel == "" {
		return apperrors.ErrEmptyChannel
	}
	if !json.Valid(payload) {
		return apperrors.ErrInvalidPayload
	}

	err := retry.Do(ctx, p.policy, p.logger, "redis publish", func() error {
		return p.rdb.Publish(ctx, string(channel), payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}
