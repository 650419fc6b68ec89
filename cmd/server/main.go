// Command server runs the points ledger HTTP service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/guildpoints/pointsd/internal/app"
	"github.com/guildpoints/pointsd/internal/app/metrics"
	"github.com/guildpoints/pointsd/internal/app/storage"
	pgstore "github.com/guildpoints/pointsd/internal/app/storage/postgres"
	redisstore "github.com/guildpoints/pointsd/internal/app/storage/redis"
	"github.com/guildpoints/pointsd/internal/config"
	"github.com/guildpoints/pointsd/internal/middleware"
	"github.com/guildpoints/pointsd/pkg/logger"
)

func main() {
	// A missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	log := logger.New("pointsd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Error("configuration error")
		os.Exit(1)
	}

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Error("store initialization failed")
		os.Exit(1)
	}
	defer cleanup()

	application, err := app.New(stores, app.Options{FeedBuffer: cfg.FeedBuffer}, log)
	if err != nil {
		log.WithError(err).Error("application wiring failed")
		os.Exit(1)
	}

	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggingMiddleware(log.WithField("component", "http")))
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	application.Attach(router)

	auth := middleware.NewAPIKeyAuth(cfg.APIKey, []string{"/health", "/metrics"}, log)
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, log)
	limiter.StartCleanup(time.Minute)
	cors := middleware.NewCORSMiddleware(cfg.AllowedOrigins())

	handler := cors.Handler(limiter.Handler(auth.Handler(router)))

	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: the feed endpoints hold connections open.
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("startup failed")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.WithError(err).Error("server exited")
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownWait)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forced shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("service shutdown reported errors")
	}
	log.Info("stopped")
}

// buildStores selects and connects the configured persistence backend.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return app.Stores{}, nil, err
		}
		client := redis.NewClient(opts)
		store := redisstore.New(client)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return app.Stores{}, nil, err
		}
		log.WithField("backend", "redis").Info("store connected")
		return storesFrom(store), func() { client.Close() }, nil

	case config.BackendPostgres:
		db, err := sqlx.Connect("postgres", cfg.PostgresDSN)
		if err != nil {
			return app.Stores{}, nil, err
		}
		store := pgstore.New(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
		log.WithField("backend", "postgres").Info("store connected")
		return storesFrom(store), func() { db.Close() }, nil

	default:
		log.WithField("backend", "memory").Info("using in-memory store")
		return app.Stores{}, func() {}, nil
	}
}

type fullStore interface {
	storage.PointStore
	storage.UserStore
	storage.LedgerStore
}

func storesFrom(s fullStore) app.Stores {
	return app.Stores{Points: s, Users: s, Ledger: s}
}
