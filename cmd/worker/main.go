package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"alttext/internal/apiclient"
	"alttext/internal/credentials"
	"alttext/internal/infra"
	"alttext/internal/queue"
	"alttext/internal/usage"
	"alttext/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	store := queue.NewStore(runner)
	creds := credentials.NewStore(runner)
	banner := usage.NewBannerStore()

	var cache usage.Cache
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	if redisClient != nil {
		cache = usage.NewRedisCache(redisClient)
		defer redisClient.Close()
	} else {
		cache = usage.NewMemoryCache()
	}

	client, err := apiclient.New(apiclient.Options{
		BaseURL:         cfg.APIBaseURL,
		HTTPClient:      &http.Client{},
		Credentials:     creds,
		Usage:           cache,
		Banner:          banner,
		Logger:          logger,
		RequestTimeout:  cfg.RequestTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure api client")
	}

	w := worker.New(worker.Options{
		Store:        store,
		Client:       client,
		Resolver:     worker.ResolveFunc(resolveSubject),
		Logger:       logger,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.WorkerBatchSize,
		LockTimeout:  cfg.JobLockTimeout,
		MaxAttempts:  cfg.JobMaxAttempts,
	})
	store.OnEnqueue(w.Wake)

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// resolveSubject treats subject ids that are already URLs as the image
// location. Deployments whose subjects are media ids wire their own
// resolver here.
func resolveSubject(ctx context.Context, subjectID string) (apiclient.GenerateRequest, error) {
	if strings.HasPrefix(subjectID, "http://") || strings.HasPrefix(subjectID, "https://") {
		return apiclient.GenerateRequest{ImageURL: subjectID}, nil
	}
	return apiclient.GenerateRequest{}, fmt.Errorf("subject %q is not a resolvable image url", subjectID)
}
