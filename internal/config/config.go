// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string

	StoreBackend    string // postgres, sqlite, memory
	PostgresDSN     string
	SQLitePath      string
	RecordCacheSize int

	RedisAddr       string
	ProgressBackend string // redis, memory

	DispatchTransport string // http, queue, local
	StageRunnerURL    string
	CallbackURL       string
	QueueKey          string
	ProcessingKey     string
	ProcessingMapKey  string
	PayloadKey        string
	DeadlineKey       string
	ProgressPrefix    string
	Workers           int
	ReaperInterval    time.Duration
	StrategyFile      string
	StageTimeout      time.Duration
	WatchdogInterval  time.Duration
	ForkFailurePolicy string
	SyncDispatch      bool
	SyncPollInterval  time.Duration
	SyncTimeout       time.Duration
	ProgressSnapshots bool
	ShutdownTimeout   time.Duration
	EchoDelay         time.Duration
	FailingStrategies []string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool

	OTelExporter string
	OTelEndpoint string
	OTelInsecure bool
}

// Load reads the environment. Values that fail to parse fall back to their default.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: envOr("HTTP_ADDR", ":8080"),

		StoreBackend:    strings.ToLower(envOr("STORE_BACKEND", "memory")),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		SQLitePath:      envOr("SQLITE_PATH", "pipeline.db"),
		RecordCacheSize: envIntOr("RECORD_CACHE_SIZE", 1024),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		ProgressBackend: strings.ToLower(envOr("PROGRESS_BACKEND", "memory")),

		DispatchTransport: strings.ToLower(envOr("DISPATCH_TRANSPORT", "local")),
		StageRunnerURL:    os.Getenv("STAGE_RUNNER_URL"),
		CallbackURL:       os.Getenv("CALLBACK_URL"),
		QueueKey:          envOr("REDIS_QUEUE_KEY", "stages:queue"),
		ProcessingKey:     envOr("REDIS_PROCESSING_KEY", "stages:processing"),
		PayloadKey:        envOr("REDIS_PAYLOAD_KEY", "stages:payload"),
		DeadlineKey:       envOr("REDIS_DEADLINE_KEY", "stages:deadlines"),
		ProgressPrefix:    envOr("REDIS_PROGRESS_PREFIX", "progress"),
		Workers:           envIntOr("WORKERS", 4),
		ReaperInterval:    envDurationOr("REAPER_INTERVAL", 30*time.Second),
		StrategyFile:      os.Getenv("STRATEGY_FILE"),
		StageTimeout:      envDurationOr("STAGE_TIMEOUT", 90*time.Second),
		WatchdogInterval:  envDurationOr("WATCHDOG_INTERVAL", 5*time.Second),
		ForkFailurePolicy: envOr("FORK_FAILURE_POLICY", "fail_job"),
		SyncDispatch:      envBoolOr("SYNC_DISPATCH", false),
		SyncPollInterval:  envDurationOr("SYNC_POLL_INTERVAL", 250*time.Millisecond),
		SyncTimeout:       envDurationOr("SYNC_TIMEOUT", 30*time.Second),
		ProgressSnapshots: envBoolOr("PROGRESS_SNAPSHOTS", false),
		ShutdownTimeout:   envDurationOr("SHUTDOWN_TIMEOUT", 10*time.Second),
		EchoDelay:         envDurationOr("ECHO_DELAY", 0),
		FailingStrategies: envCSV("ECHO_FAILING_STRATEGIES"),

		MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
		MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinIOBucket:    envOr("MINIO_BUCKET", "pipeline-artifacts"),
		MinIOUseSSL:    envBoolOr("MINIO_USE_SSL", false),

		OTelExporter: envOr("OTEL_EXPORTER", "none"),
		OTelEndpoint: os.Getenv("OTEL_ENDPOINT"),
		OTelInsecure: envBoolOr("OTEL_INSECURE", true),
	}
	cfg.ProcessingMapKey = envOr("REDIS_PROCESSING_MAP_KEY", cfg.ProcessingKey+":map")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("missing env: POSTGRES_DSN (STORE_BACKEND=postgres)")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.ProgressBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("missing env: REDIS_ADDR (PROGRESS_BACKEND=redis)")
		}
	default:
		return fmt.Errorf("unknown PROGRESS_BACKEND %q", c.ProgressBackend)
	}

	switch c.DispatchTransport {
	case "local":
	case "http":
		if c.StageRunnerURL == "" {
			return fmt.Errorf("missing env: STAGE_RUNNER_URL (DISPATCH_TRANSPORT=http)")
		}
	case "queue":
		if c.RedisAddr == "" {
			return fmt.Errorf("missing env: REDIS_ADDR (DISPATCH_TRANSPORT=queue)")
		}
	default:
		return fmt.Errorf("unknown DISPATCH_TRANSPORT %q", c.DispatchTransport)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}

// UsesRedis reports whether any configured component needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.RedisAddr != "" && (c.ProgressBackend == "redis" || c.DispatchTransport == "queue")
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDurationOr(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBoolOr(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envCSV(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var dsnPassword = regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)

// RedactDSN masks the password in a URL-style DSN: user:pass@ becomes user:****@.
func RedactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, `://$1:****@`)
}
