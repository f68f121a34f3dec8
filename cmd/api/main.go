package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"alttext/internal/apiclient"
	"alttext/internal/credentials"
	httpapi "alttext/internal/http"
	"alttext/internal/http/handlers"
	"alttext/internal/infra"
	"alttext/internal/queue"
	"alttext/internal/usage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	store := queue.NewStore(runner)
	creds := credentials.NewStore(runner)
	banner := usage.NewBannerStore()

	var cache usage.Cache
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	if redisClient != nil {
		cache = usage.NewRedisCache(redisClient)
		defer redisClient.Close()
	} else {
		cache = usage.NewMemoryCache()
	}

	client, err := apiclient.New(apiclient.Options{
		BaseURL:         cfg.APIBaseURL,
		Credentials:     creds,
		Usage:           cache,
		Banner:          banner,
		Logger:          logger,
		RequestTimeout:  cfg.RequestTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure api client")
	}

	app := &handlers.App{
		Store:  store,
		Client: client,
		Creds:  creds,
		Banner: banner,
		Logger: logger,
	}
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
