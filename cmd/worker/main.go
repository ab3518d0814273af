package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/config"
	"github.com/noah-isme/backend-lms/internal/lock"
	"github.com/noah-isme/backend-lms/internal/notify"
	"github.com/noah-isme/backend-lms/internal/obs"
	"github.com/noah-isme/backend-lms/internal/promo"
	"github.com/noah-isme/backend-lms/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "lms"), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	mail := notify.MailChannel{Mail: common.LogEmailSender{Logger: logger, From: cfg.MailFrom}}

	handlers := map[string]func(context.Context, queue.Task) error{
		queue.KindMailRetry: notify.MailRetry{Mail: mail, Locker: locker, LockTTL: cfg.LockTTL}.Handle,
	}
	if cfg.FCMProjectID != "" {
		fcm, err := notify.NewFCMSender(ctx, notify.FCMConfig{ProjectID: cfg.FCMProjectID, CredentialsFile: cfg.FCMCredentialsFile})
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise fcm")
		}
		handlers[queue.KindPushRetry] = notify.PushRetry{Push: notify.PushChannel{Sender: fcm}, Locker: locker, LockTTL: cfg.LockTTL}.Handle
	} else {
		logger.Warn().Msg("fcm_disabled; push retries stay queued")
	}

	if schedule := strings.TrimSpace(cfg.PromoSweepSchedule); schedule != "" && schedule != "off" {
		pool := mustInitDatabase(ctx, cfg, logger)
		defer pool.Close()

		sweeper := promo.Sweeper{
			Store:  promo.PGStore{DB: pool},
			Cache:  cache.New(redisClient, cfg.PromoCacheTTL),
			Logger: &logger,
		}
		scheduler := cron.New(cron.WithLocation(time.UTC))
		if _, err := scheduler.AddFunc(schedule, func() {
			if _, err := sweeper.Run(ctx, common.UTCNow()); err != nil {
				logger.Error().Err(err).Msg("promo_sweep_failed")
			}
		}); err != nil {
			logger.Fatal().Err(err).Str("schedule", schedule).Msg("invalid promo sweep schedule")
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
		logger.Info().Str("schedule", schedule).Msg("promo sweep scheduled")
	}

	var wg sync.WaitGroup
	for kind, handler := range handlers {
		w := queue.Worker{
			R:                 redisClient,
			Prefix:            cfg.QueueRedisPrefix,
			Kind:              kind,
			Concurrency:       cfg.QueueConcurrency,
			VisibilityTimeout: cfg.QueueVisibility,
			RetryBase:         cfg.QueueBackoffBase,
			RetryJitter:       cfg.QueueBackoffJitter,
			Logger:            &logger,
			Handler:           handler,
		}
		wg.Add(1)
		go func(kind string) {
			defer wg.Done()
			logger.Info().Str("kind", kind).Msg("worker starting")
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("kind", kind).Msg("worker stopped with error")
				stop()
			}
		}(kind)
	}
	wg.Wait()
	logger.Info().Msg("worker shutdown complete")
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	poolConfig.MaxConns = 2
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "lms-worker"

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
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
