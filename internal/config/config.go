package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the ride session API.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BackendBaseURL  string
	BackendTimeout  time.Duration
	LocationTimeout time.Duration

	// Ride sessions idle this long are dropped; finished rides go after
	// SessionCompletedTTL.
	SessionIdleTTL       time.Duration
	SessionCompletedTTL  time.Duration
	SessionSweepInterval time.Duration

	RedisAddr        string
	RedisPassword    string
	RedisLocationKey string

	KafkaBrokers     []string
	KafkaEventsTopic string

	PGDSN string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:         ":8080",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     30 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		BackendTimeout:   10 * time.Second,
		LocationTimeout:  10 * time.Second,

		SessionIdleTTL:       30 * time.Minute,
		SessionCompletedTTL:  2 * time.Minute,
		SessionSweepInterval: time.Minute,

		RedisLocationKey: "device_locations",
		KafkaEventsTopic: "ride-lifecycle-events",
		LogLevel:         "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.BackendBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_BASE_URL")), "/")
	setDurationFromEnv(&cfg.BackendTimeout, "BACKEND_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LocationTimeout, "LOCATION_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.SessionIdleTTL, "SESSION_IDLE_TTL", &errs)
	setDurationFromEnv(&cfg.SessionCompletedTTL, "SESSION_COMPLETED_TTL", &errs)
	setDurationFromEnv(&cfg.SessionSweepInterval, "SESSION_SWEEP_INTERVAL", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisLocationKey, "REDIS_LOCATION_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.BackendBaseURL == "" {
		errs = append(errs, fmt.Errorf("BACKEND_BASE_URL is required"))
	}
	if cfg.BackendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("BACKEND_TIMEOUT must be > 0"))
	}
	if cfg.LocationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_TIMEOUT must be > 0"))
	}
	if cfg.SessionSweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which moves device fixes from Kafka
// into the Redis location index.
type ConsumerConfig struct {
	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaGroup          string

	RedisAddr        string
	RedisPassword    string
	RedisLocationKey string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:        []string{"localhost:9092"},
		KafkaLocationsTopic: "device-locations",
		KafkaGroup:          "carpool-location-consumer",
		RedisAddr:           "localhost:6379",
		RedisLocationKey:    "device_locations",
		MetricsAddr:         ":2112",
		LogLevel:            "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisLocationKey, "REDIS_LOCATION_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
