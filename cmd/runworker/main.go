package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/runqueue/internal/domain"
	"github.com/animus-labs/runqueue/internal/platform/env"
	"github.com/animus-labs/runqueue/internal/platform/logging"
	"github.com/animus-labs/runqueue/internal/platform/wakeup"
	"github.com/animus-labs/runqueue/internal/workerclient"
	"github.com/joho/godotenv"
)

func main() {
	envErr := godotenv.Load()
	logger, levelErr := logging.New(os.Stdout, "runworker")
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

	profilePath := env.String("RUNQUEUE_WORKER_PROFILE", "runworker.yaml")
	profile, err := LoadProfile(profilePath)
	if err != nil {
		logger.Error("invalid worker profile", "path", profilePath, "error", err)
		os.Exit(2)
	}
	profile.ApplyEnv()
	if err := profile.Validate(); err != nil {
		logger.Error("invalid worker profile", "path", profilePath, "error", err)
		os.Exit(2)
	}
	token, err := profile.ResolveToken()
	if err != nil {
		logger.Error("worker token unavailable", "error", err)
		os.Exit(2)
	}
	modes, err := domain.ParseScheduleModes(profile.ScheduleModes)
	if err != nil {
		logger.Error("invalid worker profile", "error", err)
		os.Exit(2)
	}
	wakeCfg, err := wakeup.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(2)
	}

	client, err := workerclient.New(profile.BaseURL, profile.WorkerID, token, time.Duration(profile.RequestTimeout))
	if err != nil {
		logger.Error("worker client init failed", "error", err)
		os.Exit(2)
	}
	logger = logger.With("worker_id", client.WorkerID())

	poller := workerclient.NewPoller(client, profile.Executor(), profile.PollerConfig(), logger)
	if wakeCfg.Enabled() {
		redisClient := wakeup.NewClient(wakeCfg)
		defer func() { _ = redisClient.Close() }()
		wake, err := wakeup.NewSubscriber(redisClient, wakeCfg.Channel, logger).Listen(ctx, modes)
		if err != nil {
			logger.Warn("wakeup unavailable, polling only", "error", err)
		} else {
			poller.WithWakeup(wake)
		}
	}

	logger.Info("worker started",
		"base_url", profile.BaseURL,
		"schedule_modes", profile.ScheduleModes,
		"wakeup", wakeCfg.Enabled(),
	)
	if err := poller.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}
