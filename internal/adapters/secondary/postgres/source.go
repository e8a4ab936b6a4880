package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-relay/internal/core/errors"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/retry"
)

// Source is a ChangeSource backed by Postgres LISTEN/NOTIFY. It owns one
// dedicated connection; a pooled connection cannot hold LISTEN state.
type Source struct {
	connString string
	policy     retry.Policy
	logger     *slog.Logger

	mu         sync.Mutex
	conn       *pgx.Conn
	subscribed bool
}

// Ensure Source implements the ChangeSource interface.
var _ ports.ChangeSource = (*Source)(nil)

// NewSource creates a source for the given connection string. No connection
// is made until Connect or Subscribe.
func NewSource(connString string, policy retry.Policy, logger *slog.Logger) *Source {
	return &Source{
		connString: connString,
		policy:     policy,
		logger:     logger.With("component", "postgres_source"),
	}
}

// Connect opens the listening connection, retrying with exponential backoff.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

func (s *Source) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	cfg, err := pgx.ParseConfig(s.connString)
	if err != nil {
		return fmt.Errorf("parse change source URL: %w", err)
	}

	var conn *pgx.Conn
	err = retry.Do(ctx, s.policy, s.logger, "postgres connect", func() error {
		c, err := pgx.ConnectConfig(ctx, cfg)
		if err != nil {
			if isFatalConnectError(err) {
				return retry.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect to change source: %w", err)
	}

	s.conn = conn
	s.logger.Info("change source connection established",
		"host", cfg.Host,
		"database", cfg.Database,
	)
	return nil
}

// Subscribe issues LISTEN for every channel inside one transaction, so
// either all subscriptions take effect or none do.
func (s *Source) Subscribe(ctx context.Context, channels []domain.ChannelName) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribed {
		return apperrors.ErrAlreadySubscribed
	}
	if len(channels) == 0 {
		return apperrors.ErrNoChannels
	}
	if err := s.connectLocked(ctx); err != nil {
		return err
	}

	err := pgx.BeginFunc(ctx, s.conn, func(tx pgx.Tx) error {
		for _, ch := range channels {
			if _, err := tx.Exec(ctx, "LISTEN "+pgx.Identifier{string(ch)}.Sanitize()); err != nil {
				return fmt.Errorf("listen %s: %w", ch, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.subscribed = true
	return nil
}

// Receive blocks until the next notification. It must only be called from
// one goroutine.
func (s *Source) Receive(ctx context.Context) (domain.Notification, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return domain.Notification{}, apperrors.ErrSourceClosed
	}

	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return domain.Notification{}, err
	}

	return domain.Notification{Channel: n.Channel, Payload: n.Payload}, nil
}

// Close releases the connection. Postgres drops the LISTEN registrations
// with it.
func (s *Source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close(ctx)
	s.conn = nil
	s.subscribed = false
	return err
}

// isFatalConnectError reports server rejections that retrying cannot fix.
func isFatalConnectError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "28000", "28P01", "3D000": // invalid authorization, invalid password, unknown database
		return true
	}
	return false
}
