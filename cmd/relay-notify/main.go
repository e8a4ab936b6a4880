// Command relay-notify publishes one change on a relay channel. It is meant
// for smoke-testing a running relay and for scripts that cannot reach the
// database triggers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/lorrc/service-desk-relay/internal/adapters/secondary/postgres"
	"github.com/lorrc/service-desk-relay/internal/adapters/secondary/redis"
	"github.com/lorrc/service-desk-relay/internal/config"
	"github.com/lorrc/service-desk-relay/internal/core/domain"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/retry"
)

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "relay-notify: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader) error {
	var (
		envFile string
		channel string
		payload string
		timeout time.Duration
	)

	flagSet := pflag.NewFlagSet("relay-notify", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "env file to load instead of .env")
	flagSet.StringVarP(&channel, "channel", "c", string(domain.ChannelTickets), "channel to publish on")
	flagSet.StringVarP(&payload, "payload", "p", "", "JSON payload (read from stdin when empty)")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "overall publish timeout")

	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	if payload == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload = strings.TrimSpace(string(data))
	}

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.LoadFiles(files...)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "relay-notify",
		Environment: cfg.App.Environment,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	publisher, closeFn, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := publisher.Publish(ctx, domain.ChannelName(channel), []byte(payload)); err != nil {
		return err
	}

	logger.Info("change published",
		"channel", channel,
		"message_type", domain.Route(domain.ChannelName(channel)),
		"bytes", len(payload),
	)
	return nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (ports.ChangePublisher, func(), error) {
	switch cfg.Source.Driver {
	case config.DriverRedis:
		rdb, err := redis.NewClient(cfg.Source.URL)
		if err != nil {
			return nil, nil, err
		}
		policy := retry.DefaultPolicy()
		policy.Attempts = cfg.Source.ConnectAttempts
		policy.InitialInterval = cfg.Source.ConnectBackoff
		return redis.NewPublisher(rdb, policy, logger), func() { _ = rdb.Close() }, nil
	default:
		dbCfg := cfg.Database
		dbCfg.URL = cfg.Source.URL
		dbCfg.MaxOpenConns = 1
		dbCfg.MaxIdleConns = 0
		pool, err := postgres.NewPool(ctx, dbCfg)
		if err != nil {
			return nil, nil, err
		}
		return transactional{postgres.NewPublisher(pool), postgres.NewTransactionManager(pool)}, pool.Close, nil
	}
}

// transactional publishes inside a transaction so the notification is sent
// only on commit, as a producer embedding the publisher would.
type transactional struct {
	publisher *postgres.Publisher
	tx        *postgres.TransactionManager
}

func (t transactional) Publish(ctx context.Context, channel domain.ChannelName, payload []byte) error {
	return t.tx.WithTransaction(ctx, func(ctx context.Context) error {
		return t.publisher.Publish(ctx, channel, payload)
	})
}
