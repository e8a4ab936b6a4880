package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
)

// MaxPayloadBytes is the largest payload NOTIFY accepts in a default
// Postgres build.
const MaxPayloadBytes = 7999

// Publisher is a ChangePublisher that calls pg_notify. When the context
// carries a transaction (see WithTransaction) the notification is sent on
// commit, together with the mutation it describes.
type Publisher struct {
	pool *pgxpool.Pool
}

// Ensure Publisher implements the ChangePublisher interface.
var _ ports.ChangePublisher = (*Publisher)(nil)

// NewPublisher creates a publisher on the given pool.
func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

// Publish sends payload on channel.
func (p *Publisher) Publish(ctx context.Context, channel domain.ChannelName, payload []byte) error {
	if channel == "" {
		return apperrors.ErrEmptyChannel
	}
	if !json.Valid(payload) {
		return apperrors.ErrInvalidPayload
	}
	if len(payload) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload is %d bytes, limit is %d", apperrors.ErrBadRequest, len(payload), MaxPayloadBytes)
	}

	db := GetDBTX(ctx, p.pool)
	if _, err := db.Exec(ctx, "SELECT pg_notify($1, $2)", string(channel), string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}
