package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"

	"canopy/api/internal/app"
	"canopy/api/internal/blob"
	"canopy/api/internal/config"
	"canopy/api/internal/email"
	"canopy/api/internal/export"
	"canopy/api/internal/gitrepo"
	"canopy/api/internal/logging"
	"canopy/api/internal/search"
	"canopy/api/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	storage, err := app.OpenStorage(ctx, cfg, true, log)
	if err != nil {
		log.WithError(err).Fatal("storage unavailable")
	}
	defer storage.Close()

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create history dir")
	}
	history := gitrepo.New(cfg.ReposDir)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, storage.Fallback(), log)

	deps := app.Deps{
		Store:    storage.Store,
		History:  history,
		Search:   searchService,
		Mailer:   email.NewService(cfg.SMTP),
		Exporter: export.NewService(storage.Store, history, export.NewPDFRenderer()),
		Metrics:  app.NewMetrics(),
		Logger:   log,
	}

	var limiterStore limiter.Store = memory.NewStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		sessions, err := session.NewRedisStore(ctx, cfg.RedisURL, storage.Store)
		if err != nil {
			log.WithError(err).Fatal("redis unavailable")
		}
		defer sessions.Close()
		deps.Sessions = sessions
		log.Info("using redis for refresh sessions")

		limiterStore, err = redisstore.NewStoreWithOptions(sessions.Client(), limiter.StoreOptions{Prefix: "canopy:ratelimit"})
		if err != nil {
			log.WithError(err).Fatal("rate limiter store")
		}
	}

	if strings.TrimSpace(cfg.S3.Endpoint) != "" {
		blobs, err := blob.Open(ctx, cfg.S3)
		if err != nil {
			log.WithError(err).Fatal("attachment storage unavailable")
		}
		deps.Blobs = blobs
	} else {
		log.Warn("S3_ENDPOINT not set, attachments disabled")
	}

	service := app.New(cfg, deps)

	opts := []app.ServerOption{app.WithLogger(log)}
	if cfg.MetricsEnabled {
		opts = append(opts, app.WithMetricsPath(cfg.MetricsPath))
	}
	if cfg.RateLimitEnabled {
		rate, err := limiter.NewRateFromFormatted(cfg.RateLimitAuth)
		if err != nil {
			log.WithError(err).Fatal("invalid RATE_LIMIT_AUTH")
		}
		opts = append(opts, app.WithAuthRateLimit(limiter.New(limiterStore, rate)))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, opts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("Canopy API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
