package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "contentforge.yaml"

// providerKeyEnv maps provider names to the env var carrying their API key.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"google":    "GOOGLE_API_KEY",
}

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CONTENTFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "CONTENTFORGE_CORS_ORIGIN")
	setBool(&cfg.Server.EmbedWorkers, "CONTENTFORGE_EMBED_WORKERS")
	setDuration(&cfg.Server.RequestTimeout, "CONTENTFORGE_REQUEST_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONTENTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONTENTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONTENTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONTENTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONTENTFORGE_PG_HEALTH_CHECK")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.KeyPrefix, "CONTENTFORGE_REDIS_PREFIX")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Store.Backend, "CONTENTFORGE_STORE_BACKEND")
	setString(&cfg.Store.Queue, "CONTENTFORGE_QUEUE_BACKEND")
	setString(&cfg.Logging.Level, "CONTENTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONTENTFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CONTENTFORGE_LOG_ASYNC")
	setFloat64(&cfg.Rate.RequestsPerSecond, "CONTENTFORGE_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CONTENTFORGE_RATE_BURST")

	// Cache
	setString(&cfg.Cache.Backend, "CONTENTFORGE_CACHE_BACKEND")
	setDuration(&cfg.Cache.DefaultTTL, "CONTENTFORGE_CACHE_TTL")
	setInt(&cfg.Cache.MaxEntries, "CONTENTFORGE_CACHE_MAX_ENTRIES")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CONTENTFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "CONTENTFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.LeaseTTL, "CONTENTFORGE_CACHE_LEASE_TTL")

	// Gateway
	setDuration(&cfg.Gateway.CallTimeout, "CONTENTFORGE_GATEWAY_CALL_TIMEOUT")
	setInt(&cfg.Gateway.BreakerFailures, "CONTENTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Gateway.BreakerWindow, "CONTENTFORGE_BREAKER_WINDOW")
	setDuration(&cfg.Gateway.BreakerCooldown, "CONTENTFORGE_BREAKER_COOLDOWN")

	// Providers
	for name, key := range providerKeyEnv {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		if cfg.Providers == nil {
			cfg.Providers = map[string]Provider{}
		}
		p := cfg.Providers[name]
		p.APIKey = v
		cfg.Providers[name] = p
	}

	// Composer
	setString(&cfg.Composer.TemplateDir, "CONTENTFORGE_TEMPLATE_DIR")
	setInt(&cfg.Composer.MaxParallelPerRun, "CONTENTFORGE_MAX_PARALLEL_PER_RUN")
	setInt(&cfg.Composer.MaxParallelGlobal, "CONTENTFORGE_MAX_PARALLEL_GLOBAL")

	// Worker
	setInt(&cfg.Worker.Concurrency, "CONTENTFORGE_WORKER_CONCURRENCY")
	setDuration(&cfg.Worker.Visibility, "CONTENTFORGE_WORKER_VISIBILITY")
	setDuration(&cfg.Worker.Heartbeat, "CONTENTFORGE_WORKER_HEARTBEAT")
	setInt(&cfg.Worker.MaxAttempts, "CONTENTFORGE_WORKER_MAX_ATTEMPTS")
	setDuration(&cfg.Worker.Retention, "CONTENTFORGE_RETENTION")

	// Auth
	setBool(&cfg.Auth.Enabled, "CONTENTFORGE_AUTH_ENABLED")
	setString(&cfg.Auth.JWTSecret, "CONTENTFORGE_JWT_SECRET")

	// Storage
	setString(&cfg.Storage.Endpoint, "CONTENTFORGE_S3_ENDPOINT")
	setString(&cfg.Storage.AccessKey, "CONTENTFORGE_S3_ACCESS_KEY")
	setString(&cfg.Storage.SecretKey, "CONTENTFORGE_S3_SECRET_KEY")
	setString(&cfg.Storage.Bucket, "CONTENTFORGE_S3_BUCKET")
	setBool(&cfg.Storage.UseSSL, "CONTENTFORGE_S3_USE_SSL")

	setString(&cfg.Media.FFmpegPath, "CONTENTFORGE_FFMPEG_PATH")
	setString(&cfg.Crawler.UserAgent, "CONTENTFORGE_CRAWLER_USER_AGENT")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend %q is not one of postgres, memory", cfg.Store.Backend)
	}
	switch cfg.Store.Queue {
	case "redis":
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("store.queue %q is not one of redis, memory", cfg.Store.Queue)
	}
	switch cfg.Cache.Backend {
	case "redis", "memory":
	case "natskv":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for the natskv cache")
		}
	default:
		return fmt.Errorf("cache.backend %q is not one of redis, natskv, memory", cfg.Cache.Backend)
	}
	if cfg.Cache.DefaultTTL <= 0 {
		return errors.New("cache.default_ttl must be > 0")
	}
	if cfg.Cache.LeaseTTL <= 0 {
		return errors.New("cache.lease_ttl must be > 0")
	}
	if cfg.Gateway.BreakerFailures < 1 {
		return errors.New("gateway.breaker_failures must be >= 1")
	}
	if cfg.Composer.MaxParallelPerRun < 1 {
		return errors.New("composer.max_parallel_per_run must be >= 1")
	}
	if cfg.Composer.MaxParallelGlobal < cfg.Composer.MaxParallelPerRun {
		return errors.New("composer.max_parallel_global must be >= composer.max_parallel_per_run")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return errors.New("worker.max_attempts must be >= 1")
	}
	if cfg.Worker.Heartbeat <= 0 || cfg.Worker.Heartbeat >= cfg.Worker.Visibility {
		return errors.New("worker.heartbeat must be > 0 and < worker.visibility")
	}
	if cfg.Auth.Enabled && cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	for _, s := range cfg.Schedules {
		if strings.TrimSpace(s.Template) == "" {
			return fmt.Errorf("schedule %q: template is required", s.Name)
		}
		if _, err := cronexpr.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
