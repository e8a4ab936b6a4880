package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	httpAdapter "github.com/lorrc/service-desk-relay/internal/adapters/primary/http"
	mw "github.com/lorrc/service-desk-relay/internal/adapters/primary/http/middleware"
	"github.com/lorrc/service-desk-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/service-desk-relay/internal/adapters/secondary/metrics"
	"github.com/lorrc/service-desk-relay/internal/adapters/secondary/postgres"
	"github.com/lorrc/service-desk-relay/internal/adapters/secondary/redis"
	"github.com/lorrc/service-desk-relay/internal/auth"
	"github.com/lorrc/service-desk-relay/internal/config"
	"github.com/lorrc/service-desk-relay/internal/core/ports"
	"github.com/lorrc/service-desk-relay/internal/core/services"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/logging"
	"github.com/lorrc/service-desk-relay/internal/infrastructure/retry"
)

func main() {
	envFile := pflag.String("env-file", "", "env file to load instead of .env")
	migrate := pflag.Bool("migrate", false, "apply database migrations before starting")
	migrationsDir := pflag.String("migrations", "migrations", "directory holding migration files")
	pflag.Parse()

	// 1. Load Configuration
	var (
		cfg *config.Config
		err error
	)
	if *envFile != "" {
		cfg, err = config.LoadFiles(*envFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		AddSource:   !cfg.IsProduction(),
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})

	logger.Info("starting relay",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"config", cfg.String(),
	)

	if err := run(cfg, *migrate, *migrationsDir, logger); err != nil {
		logger.Error("relay exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relay shutdown complete")
}

func run(cfg *config.Config, migrate bool, migrationsDir string, logger *slog.Logger) error {
	ctx := context.Background()

	// 3. Database (optional for the redis driver)
	var pool *pgxpool.Pool
	if cfg.Database.URL != "" {
		if migrate {
			if err := postgres.RunMigrations(migrationsDir, cfg.Database.URL); err != nil {
				return err
			}
			logger.Info("migrations applied", "dir", migrationsDir)
		}

		p, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
		logger.Info("database connection established")
	}

	// 4. Change source
	policy := retry.DefaultPolicy()
	policy.Attempts = cfg.Source.ConnectAttempts
	policy.InitialInterval = cfg.Source.ConnectBackoff
	checks := map[string]httpAdapter.HealthChecker{}
	if pool != nil {
		checks["database"] = pool
	}

	var source ports.ChangeSource
	switch cfg.Source.Driver {
	case config.DriverRedis:
		rdb, err := redis.NewClient(cfg.Source.URL)
		if err != nil {
			return err
		}
		rs := redis.NewSource(rdb, policy, logger)
		checks["change_source"] = rs
		source = rs
	default:
		source = postgres.NewSource(cfg.Source.URL, policy, logger)
	}

	// 5. Relay core
	reg := metrics.NewRegistry()
	relayMetrics := metrics.NewRelay(reg)
	registry := websocket.NewRegistry(logger)
	relay := services.NewRelayService(source, registry, services.RelayConfig{
		Channels:       cfg.ChannelNames(),
		EventQueueSize: cfg.Source.EventQueueSize,
	}, relayMetrics, logger)

	// 6. Security & rate limiting
	var tokenManager *auth.TokenManager
	if cfg.WebSocket.RequireAuth {
		tokenManager = auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL)
	}

	var generalRateLimiter, upgradeRateLimiter *mw.RateLimiter
	if cfg.RateLimit.Enabled {
		generalRateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			BurstSize:         cfg.RateLimit.BurstSize,
			CleanupInterval:   time.Minute,
			TTL:               3 * time.Minute,
			TrustForwardedFor: cfg.RateLimit.TrustProxy,
		})

		upgradeRateLimiter = mw.NewRateLimiter(mw.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.UpgradeRPS,
			BurstSize:         cfg.RateLimit.UpgradeBurst,
			CleanupInterval:   time.Minute,
			TTL:               5 * time.Minute,
			TrustForwardedFor: cfg.RateLimit.TrustProxy,
		})
	}

	// 7. Handlers
	wsHandler := httpAdapter.NewWebSocketHandler(relay, registry, tokenManager, cfg, relayMetrics, logger)
	healthHandler := httpAdapter.NewHealthHandler(relay, registry, checks, cfg.App.Version)
	relayHandler := httpAdapter.NewRelayHandler(relay, logger)

	// 8. Router
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.RecoveryLogger(logger))

	// Websocket route sits outside the general limiter and CORS; the
	// upgrader does its own origin check.
	r.Group(func(r chi.Router) {
		if upgradeRateLimiter != nil {
			r.Use(upgradeRateLimiter.Middleware)
		}
		r.Get(cfg.WebSocket.Path, wsHandler.ServeHTTP)
	})

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins(cfg),
			AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
		if generalRateLimiter != nil {
			r.Use(generalRateLimiter.Middleware)
		}

		healthHandler.RegisterRoutes(r)

		if cfg.Metrics.Enabled {
			r.Handle(cfg.Metrics.Path, metrics.Handler(reg))
		}

		r.Route("/api/v1/relay", func(r chi.Router) {
			if tokenManager != nil {
				r.Use(mw.JWTMiddleware(tokenManager))
			}
			relayHandler.RegisterRoutes(r)
		})
	})

	// 9. Start relay and server
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()

	relayErr := make(chan error, 1)
	go func() {
		relayErr <- relay.Run(relayCtx)
	}()

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "ws_path", cfg.WebSocket.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	relayDone := false
	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-relayErr:
		// Run only returns early on a fatal upstream failure.
		relayDone = true
		if err != nil {
			runErr = fmt.Errorf("relay stopped: %w", err)
		}
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; the relay
	// closes them below.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopRelay()
	if !relayDone {
		select {
		case err := <-relayErr:
			if err != nil && runErr == nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			logger.Warn("timed out waiting for relay to stop")
		}
	}

	return runErr
}

// corsOrigins mirrors the websocket origin policy for the REST endpoints.
func corsOrigins(cfg *config.Config) []string {
	if len(cfg.WebSocket.AllowedOrigins) == 0 && cfg.IsDevelopment() {
		return []string{"*"}
	}
	return cfg.WebSocket.AllowedOrigins
}
