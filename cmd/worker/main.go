package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kamau-dev/backend-duka/internal/app"
	"github.com/kamau-dev/backend-duka/internal/config"
	"github.com/kamau-dev/backend-duka/internal/lock"
	"github.com/kamau-dev/backend-duka/internal/notify"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "duka")
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	if envBool("OBS_ENABLE_TRACING", true) {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "duka-worker",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	deps, err := app.New(initCtx, cfg, logger, "duka-worker")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	notifyStore := &notify.PGStore{Pool: deps.DB}
	dispatcher := &notify.Dispatcher{
		Store: notifyStore,
		Queue: queue.Enqueuer{
			R:           deps.Redis,
			Prefix:      cfg.QueuePrefix,
			DedupTTL:    cfg.QueueDedupTTL,
			MaxAttempts: cfg.QueueMaxAttempts,
		},
		Client:             notify.HTTPClient(cfg.WebhookDeliveryTimeout),
		BackoffBase:        cfg.WebhookBackoffBase,
		BackoffJitter:      cfg.WebhookBackoffJitter,
		DefaultMaxAttempts: cfg.WebhookMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: deps.Redis},
		ReplayTTL:          cfg.WebhookReplayTTL,
		Log:                logger,
	}
	deliveryWorker := notify.DeliveryWorker{
		Dispatcher: dispatcher,
		Locker:     lock.Locker{R: deps.Redis, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:    cfg.LockTTL,
	}

	worker := queue.Worker{
		R:                 deps.Redis,
		Prefix:            cfg.QueuePrefix,
		Kind:              notify.DeliveryTaskKind(),
		Concurrency:       cfg.QueueConcurrency,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		HeartbeatInterval: cfg.QueueHeartbeatInterval,
		SoftDeadline:      cfg.QueueSoftDeadline,
		RetryBase:         cfg.QueueRetryBase,
		RetryJitter:       cfg.QueueRetryJitter,
		Handler:           deliveryWorker.Handle,
		Store:             queue.NewStore(deps.DB),
		Logger:            &logger,
	}

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Run(ctx)
	}()

	// Sweep for due deliveries the queue path missed: rows whose enqueue
	// failed, or retries whose task was dropped.
	go func() {
		interval := cfg.WorkerPollInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dispatcher.WorkOnce(ctx, int32(cfg.WorkerBatchSize)); err != nil {
					logger.Error().Err(err).Msg("sweep webhook deliveries")
				}
			}
		}
	}()

	logger.Info().
		Str("kind", notify.DeliveryTaskKind()).
		Int("concurrency", cfg.QueueConcurrency).
		Msg("worker started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("worker stopping")
	case err := <-workerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("worker exited unexpectedly")
		}
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}
