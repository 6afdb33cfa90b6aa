package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/auditlog"
	"github.com/animus-labs/runqueue/internal/platform/auth"
	"github.com/animus-labs/runqueue/internal/platform/database"
	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/animus-labs/runqueue/internal/platform/httpserver"
	"github.com/animus-labs/runqueue/internal/platform/logging"
	"github.com/animus-labs/runqueue/internal/platform/objectstore"
	"github.com/animus-labs/runqueue/internal/platform/telemetry"
	"github.com/animus-labs/runqueue/internal/platform/wakeup"
	"github.com/animus-labs/runqueue/internal/repo/sqlstore"
	"github.com/animus-labs/runqueue/internal/service/runs"
	"github.com/animus-labs/runqueue/internal/service/sweeper"
	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()
	logger, levelErr := logging.New(os.Stdout, serviceName)
	if levelErr != nil {
		logger.Error("invalid env", "error", levelErr)
		os.Exit(2)
	}
	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		logger.Warn("dotenv not loaded", "error", envErr)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	dbCfg, err := database.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	autoMigrate, err := env.Bool("RUNQUEUE_AUTO_MIGRATE", dbCfg.Driver == database.DriverSQLite)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	defaultLease, err := env.Duration("RUNQUEUE_DEFAULT_LEASE", runs.DefaultLease)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	maxLease, err := env.Duration("RUNQUEUE_MAX_LEASE", runs.MaxLease)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if defaultLease <= 0 || maxLease < defaultLease {
		logger.Error("invalid env", "error", "RUNQUEUE_DEFAULT_LEASE must be positive and not exceed RUNQUEUE_MAX_LEASE")
		os.Exit(2)
	}
	claimRPS, err := env.Float("RUNQUEUE_CLAIM_RPS", 5)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	claimBurst, err := env.Int("RUNQUEUE_CLAIM_BURST", 10)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	wakeCfg, err := wakeup.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}
	sweepCfg, err := sweeper.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sweeper config", "error", err)
		os.Exit(2)
	}
	telemetryCfg, err := telemetry.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid telemetry config", "error", err)
		os.Exit(2)
	}

	store, db, err := sqlstore.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if autoMigrate {
		if err := store.Migrate(ctx); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("schema migrated", "driver", string(dbCfg.Driver))
	}

	provider, shutdownTelemetry, err := telemetry.Setup(ctx, logger, telemetryCfg)
	if err != nil {
		logger.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(provider)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		os.Exit(1)
	}

	opts := []runs.Option{
		runs.WithLogger(logger),
		runs.WithLease(runs.LeaseConfig{Default: defaultLease, Max: maxLease}),
		runs.WithRecorder(metrics),
	}

	checks := []httpserver.ReadinessCheck{{
		Name:  string(dbCfg.Driver),
		Check: auth.WithTimeout(750*time.Millisecond, store.Ping),
	}}

	if storeCfg.Enabled {
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		opts = append(opts, runs.WithResultArchive(objectstore.NewResultArchive(client, storeCfg.BucketResults)))
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: auth.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, storeCfg)
			}),
		})
	}

	if wakeCfg.Enabled() {
		client := wakeup.NewClient(wakeCfg)
		defer func() { _ = client.Close() }()
		opts = append(opts, runs.WithNotifier(wakeup.NewPublisher(client, wakeCfg.Channel)))
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "redis",
			Check: auth.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}),
		})
	}

	service := runs.New(store, opts...)

	if sweepCfg.Enabled {
		sw := sweeper.New(store, metrics, logger)
		go func() {
			if err := sw.Run(ctx, sweepCfg.Schedule); err != nil {
				logger.Error("sweeper stopped", "error", err)
			}
		}()
	}

	authenticator, err := newAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(1)
	}

	queueAPI := newRunQueueAPI(logger, service, newClaimLimiter(claimRPS, claimBurst))
	handler := routes(logger, queueAPI, auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.RouteRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			_, err := store.AppendAudit(auditCtx, auditlog.AuthDenyEvent(serviceName, event))
			return err
		},
	}, checks...)

	logger.Info("runqueue configured",
		"driver", string(dbCfg.Driver),
		"auth_mode", string(authCfg.Mode),
		"default_lease", defaultLease.String(),
		"max_lease", maxLease.String(),
		"result_archive", storeCfg.Enabled,
		"wakeup", wakeCfg.Enabled(),
		"sweeper", sweepCfg.Enabled,
	)

	if err := httpserver.Run(ctx, logger, serverCfg, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// newAuthenticator builds the chain for cfg.Mode. Worker tokens are accepted
// in every mode except disabled; OIDC handles everything else.
func newAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	switch cfg.Mode {
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return auth.WorkerTokenAuthenticator{Secret: cfg.WorkerTokenSecret, Next: oidcAuth}, nil
	case auth.ModeToken:
		return auth.WorkerTokenAuthenticator{Secret: cfg.WorkerTokenSecret}, nil
	default:
		return auth.NewStaticAuthenticator(cfg), nil
	}
}
