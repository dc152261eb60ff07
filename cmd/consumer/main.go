package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-lifecycle/internal/config"
	"github.com/example/carpool-lifecycle/internal/location"
	"github.com/example/carpool-lifecycle/internal/logging"
	"github.com/example/carpool-lifecycle/internal/models"
)

var (
	fixesConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_fixes_consumed_total",
		Help: "Total device location fixes consumed",
	})
	fixesInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_fixes_invalid_total",
		Help: "Total invalid fixes received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(fixesConsumed, fixesInvalid, redisUpdates, redisErrors)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger("carpool-location-consumer", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	go serveHealth(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaLocationsTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaLocationsTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		fixesConsumed.Inc()

		fix, err := decodeFix(m.Value)
		if err != nil {
			fixesInvalid.Inc()
			logger.Warn("invalid fix", "error", err, "offset", m.Offset)
			continue
		}

		if err := updateRedisWithRetry(ctx, radapter, cfg.RedisLocationKey, fix, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "device_id", fix.DeviceID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func serveHealth(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		// readiness: check redis connectivity
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

// decodeFix parses one message. A fix needs a device id and coordinates in
// range; a device reporting denied permission may omit coordinates.
func decodeFix(raw []byte) (models.DeviceFix, error) {
	var fix models.DeviceFix
	if err := json.Unmarshal(raw, &fix); err != nil {
		return fix, err
	}
	if fix.DeviceID == "" {
		return fix, errors.New("missing device_id")
	}
	if !fix.PermissionDenied && (fix.Loc.Lat < -90 || fix.Loc.Lat > 90 || fix.Loc.Lon < -180 || fix.Loc.Lon > 180) {
		return fix, errors.New("coordinates out of range")
	}
	if fix.Updated.IsZero() {
		fix.Updated = time.Now()
	}
	return fix, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

// updateRedisWithRetry stores the fix in the GEO set read by
// location.RedisProvider, plus its metadata hash. A denied fix only
// updates the metadata so the last good position is not overwritten.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, fix models.DeviceFix, attempts int, delay time.Duration) error {
	for i := 0; i < attempts; i++ {
		if !fix.PermissionDenied {
			if err := rc.GeoAdd(ctx, key, &redis.GeoLocation{Longitude: fix.Loc.Lon, Latitude: fix.Loc.Lat, Name: fix.DeviceID}); err != nil {
				if i == attempts-1 {
					return err
				}
				time.Sleep(delay)
				delay *= 2
				continue
			}
		}
		if err := rc.HSet(ctx, location.MetaKey(fix.DeviceID), location.MetaFields(fix)); err != nil {
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return nil
}
