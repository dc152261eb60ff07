package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/example/carpool-lifecycle/internal/auth"
	"github.com/example/carpool-lifecycle/internal/backend"
	"github.com/example/carpool-lifecycle/internal/config"
	httpapi "github.com/example/carpool-lifecycle/internal/http"
	"github.com/example/carpool-lifecycle/internal/lifecycle"
	"github.com/example/carpool-lifecycle/internal/location"
	"github.com/example/carpool-lifecycle/internal/logging"
	"github.com/example/carpool-lifecycle/internal/models"
	"github.com/example/carpool-lifecycle/internal/notify"
	"github.com/example/carpool-lifecycle/internal/storage"
)

func main() {
	// a missing .env is fine; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger("carpool-api", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var journal storage.JournalStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable, keeping journal in memory", "error", err)
		} else {
			defer ps.Close()
			if cfg.RunMigrations {
				if err := ps.Migrate(ctx); err != nil {
					logger.Error("migration failed", "error", err)
					os.Exit(1)
				}
				logger.Info("migration applied", "table", "ride_transitions")
			}
			journal = ps
		}
	}

	var redisLoc *location.RedisProvider
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		redisLoc = location.NewRedisProvider(rc, cfg.RedisLocationKey, "")
	}

	sinks := []notify.Sink{notify.LogSink{Logger: logger}}
	if len(cfg.KafkaBrokers) > 0 {
		ks := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaEventsTopic, logger)
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	sink := notify.Multi(sinks...)

	client := backend.NewClient(cfg.BackendBaseURL, auth.Context{}, &http.Client{}, logger)
	client.Timeout = cfg.BackendTimeout

	hub := notify.NewHub(logger)
	sessions := httpapi.NewSessions(func(role lifecycle.Role, rideID models.ID, ac auth.Context, initial *models.Ride) (*lifecycle.Engine, error) {
		var loc location.Provider
		if redisLoc != nil {
			device := ac.DriverID
			if role == lifecycle.RolePassenger {
				device = ac.PassengerID
			}
			loc = redisLoc.ForDevice(device.String())
		}
		return lifecycle.New(lifecycle.Config{
			Role:     role,
			RideID:   rideID,
			Auth:     ac,
			Backend:  client.WithAuth(ac),
			Location: location.WithTimeout(location.Reported{Fallback: loc}, cfg.LocationTimeout),
			Sink:     sink,
			Journal:  journal,
			Logger:   logger,
			Initial:  initial,
		})
	}, hub, logger)
	sessions.IdleTTL = cfg.SessionIdleTTL
	sessions.CompletedTTL = cfg.SessionCompletedTTL
	go sessions.Run(ctx, cfg.SessionSweepInterval)

	catalog := func(ac auth.Context) httpapi.RideCatalog { return client.WithAuth(ac) }

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(sessions, catalog, hub, journal, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("carpool api listening", "addr", cfg.HTTPAddr, "backend", cfg.BackendBaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
