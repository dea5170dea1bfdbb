package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"videogen-queue/internal/api"
	"videogen-queue/internal/config"
	"videogen-queue/internal/events"
	"videogen-queue/internal/logging"
	"videogen-queue/internal/queue"
	"videogen-queue/internal/ratelimit"
	"videogen-queue/internal/service"
	"videogen-queue/internal/store"
	"videogen-queue/internal/worker"
)

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	flag.StringVar(&cfg.HTTPHost, "host", cfg.HTTPHost, "Host to bind the server to")
	flag.StringVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "Port to bind the server to")
	flag.StringVar(&cfg.CkptDir, "ckpt_dir", cfg.CkptDir, "Default checkpoint directory")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := store.NewRegistry()
	q, err := queue.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("init queue")
	}
	if rq, ok := q.(*queue.RedisQueue); ok {
		defer rq.Close()
	}

	var (
		sinks   events.Multi
		history api.History
	)
	if cfg.NATSURL != "" {
		pub, err := events.ConnectNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect nats")
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}
	if cfg.PostgresDSN != "" {
		audit, err := store.NewAuditStore(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect postgres")
		}
		defer audit.Close()
		if err := audit.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		sinks = append(sinks, audit)
		history = audit
	}

	var publisher worker.ArtifactPublisher
	if cfg.ArtifactS3Bucket != "" {
		s3pub, err := worker.NewS3Publisher(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("init artifact store")
		}
		publisher = s3pub
	}

	proc := worker.NewProcessor(reg, q, worker.NewSubprocessGenerator(cfg, logger), worker.Options{
		OutputDir:  cfg.OutputDir,
		RetryDelay: cfg.WorkerRetryDelay,
		Notifier:   sinks,
		Publisher:  publisher,
		Logger:     logger,
	})
	svc := service.New(reg, q, proc, service.Options{
		Notifier: sinks,
		CkptDir:  cfg.CkptDir,
		Logger:   logger,
	})

	opts := api.Options{
		History:        history,
		OutputDir:      cfg.OutputDir,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	}
	if cfg.RateLimitEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		opts.Limiter = ratelimit.NewTokenBucket(rdb, "videogen:rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("worker stopped")
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(svc, opts).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.Addr()).Str("queue", cfg.QueueBackend).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("listen")
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	<-workerDone
}
