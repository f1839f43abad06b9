package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	// Catalog and policy definitions are plain JSON files on disk,
	// re-read on SIGHUP or POST /admin/v1/reload.
	CatalogPath string
	PolicyPath  string

	// LedgerBackend selects where monthly spend accumulates:
	// "memory", "sqlite", or "redis".
	LedgerBackend string
	DBDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// BackendAPIKey authenticates invocations against the inference
	// backends. Per-deployment keys can instead be vault references in
	// the catalog file.
	BackendAPIKey string

	VaultEnabled bool

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per IP
	RateLimitBurst int      // burst capacity per IP

	// Health probing.
	ProbeIntervalSecs int
	ProbeTimeoutSecs  int

	// OpenTelemetry tracing.
	OTelEnabled  bool
	OTelEndpoint string

	// Temporal workflow engine (periodic maintenance).
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr: getEnv("MODELMUX_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("MODELMUX_LOG_LEVEL", "info"),

		CatalogPath: getEnv("MODELMUX_CATALOG_PATH", "catalog.json"),
		PolicyPath:  getEnv("MODELMUX_POLICY_PATH", "policies.json"),

		LedgerBackend: getEnv("MODELMUX_LEDGER_BACKEND", "sqlite"),
		DBDSN:         getEnv("MODELMUX_DB_DSN", "file:modelmux.sqlite"),
		RedisAddr:     getEnv("MODELMUX_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("MODELMUX_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("MODELMUX_REDIS_DB", 0),

		BackendAPIKey: getEnv("MODELMUX_BACKEND_API_KEY", ""),

		VaultEnabled: getEnvBool("MODELMUX_VAULT_ENABLED", false),

		CORSOrigins:    getEnvStringSlice("MODELMUX_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("MODELMUX_RATE_LIMIT_RPS", 60),
		RateLimitBurst: getEnvInt("MODELMUX_RATE_LIMIT_BURST", 120),

		ProbeIntervalSecs: getEnvInt("MODELMUX_PROBE_INTERVAL_SECS", 30),
		ProbeTimeoutSecs:  getEnvInt("MODELMUX_PROBE_TIMEOUT_SECS", 5),

		OTelEnabled:  getEnvBool("MODELMUX_OTEL_ENABLED", false),
		OTelEndpoint: getEnv("MODELMUX_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("MODELMUX_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("MODELMUX_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("MODELMUX_TEMPORAL_NAMESPACE", "modelmux"),
		TemporalTaskQueue: getEnv("MODELMUX_TEMPORAL_TASK_QUEUE", "modelmux-maintenance"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("MODELMUX_LEDGER_BACKEND must be memory, sqlite, or redis, got %q", c.LedgerBackend)
	}
	if c.LedgerBackend == "sqlite" && c.DBDSN == "" {
		return fmt.Errorf("MODELMUX_DB_DSN is required with the sqlite ledger backend")
	}
	if c.LedgerBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("MODELMUX_REDIS_ADDR is required with the redis ledger backend")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("MODELMUX_CATALOG_PATH must not be empty")
	}
	if c.PolicyPath == "" {
		return fmt.Errorf("MODELMUX_POLICY_PATH must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("MODELMUX_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProbeIntervalSecs <= 0 {
		return fmt.Errorf("MODELMUX_PROBE_INTERVAL_SECS must be > 0, got %d", c.ProbeIntervalSecs)
	}
	if c.ProbeTimeoutSecs <= 0 {
		return fmt.Errorf("MODELMUX_PROBE_TIMEOUT_SECS must be > 0, got %d", c.ProbeTimeoutSecs)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
