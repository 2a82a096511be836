// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DBDSN is the Postgres connection string.
	DBDSN string

	// RedisAddr is the redis host:port used for the task queue and caches.
	RedisAddr string

	// RedisDB is the redis logical database number.
	RedisDB int

	// Exchange contains upstream exchange endpoints and rate budget.
	Exchange ExchangeConfig

	// Collector contains orchestrator loop settings.
	Collector CollectorConfig

	// Archive contains depth archival settings.
	Archive ArchiveConfig

	// Server contains HTTP API settings.
	Server ServerConfig
}

// ExchangeConfig holds upstream exchange connection settings.
type ExchangeConfig struct {
	// RESTBaseURL is the exchange REST endpoint (e.g. "https://api.binance.com").
	RESTBaseURL string

	// StreamURL is the multiplexed websocket endpoint.
	StreamURL string

	// WeightBudget is the request-weight capacity per refill window.
	WeightBudget int

	// RefillWindow is the budget refill interval.
	RefillWindow time.Duration

	// MaxRetries caps retry attempts for transient failures.
	MaxRetries int
}

// CollectorConfig holds orchestrator loop settings.
type CollectorConfig struct {
	// Symbols is the initial active symbol set (comma-separated in env).
	Symbols []string

	// TickerInterval is the 24h-ticker polling period.
	TickerInterval time.Duration

	// DepthInterval is the order-book REST polling period.
	DepthInterval time.Duration

	// BackfillDays is how far back the initial candle backfill reaches.
	BackfillDays int
}

// ArchiveConfig holds depth archival settings.
type ArchiveConfig struct {
	// BatchSize is the number of rows per commit during archive/cleanup.
	BatchSize int

	// ArchiveAfterDays is the age threshold for compressing raw depth rows.
	ArchiveAfterDays int

	// DeleteAfterDays is the retention threshold for archived rows.
	DeleteAfterDays int
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	// Addr is the listen address for the API server.
	Addr string

	// RunCollector embeds the collection loops in the API process. Disable
	// it when a dedicated collector binary is deployed alongside, otherwise
	// both processes poll the exchange.
	RunCollector bool
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// It returns an error when a required endpoint is missing; callers must
// treat that as fatal and refuse to start serving.
func AppLoad() (*AppConfig, error) {
	_ = godotenv.Load() // Ignore error - .env is optional

	cfg := &AppConfig{
		DBDSN:     getDatabaseDSN(),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:   getEnvInt("REDIS_DB", 0),
		Exchange: ExchangeConfig{
			RESTBaseURL:  getEnv("EXCHANGE_REST_URL", "https://api.binance.com"),
			StreamURL:    getEnv("EXCHANGE_STREAM_URL", "wss://stream.binance.com:9443/ws"),
			WeightBudget: getEnvInt("EXCHANGE_WEIGHT_BUDGET", 1200),
			RefillWindow: time.Duration(getEnvInt("EXCHANGE_REFILL_SECONDS", 60)) * time.Second,
			MaxRetries:   getEnvInt("EXCHANGE_MAX_RETRIES", 3),
		},
		Collector: CollectorConfig{
			Symbols:        splitSymbols(getEnv("COLLECT_SYMBOLS", "BTCUSDT,ETHUSDT")),
			TickerInterval: time.Duration(getEnvInt("TICKER_INTERVAL_SECONDS", 60)) * time.Second,
			DepthInterval:  time.Duration(getEnvInt("DEPTH_INTERVAL_SECONDS", 5)) * time.Second,
			BackfillDays:   getEnvInt("BACKFILL_DAYS", 30),
		},
		Archive: ArchiveConfig{
			BatchSize:        getEnvInt("ARCHIVE_BATCH_SIZE", 100),
			ArchiveAfterDays: getEnvInt("ARCHIVE_AFTER_DAYS", 7),
			DeleteAfterDays:  getEnvInt("ARCHIVE_DELETE_AFTER_DAYS", 90),
		},
		Server: ServerConfig{
			Addr:         getEnv("API_ADDR", ":8000"),
			RunCollector: getEnvBool("API_RUN_COLLECTOR", true),
		},
	}

	if cfg.Exchange.RESTBaseURL == "" {
		return nil, fmt.Errorf("EXCHANGE_REST_URL must not be empty")
	}
	if cfg.Exchange.StreamURL == "" {
		return nil, fmt.Errorf("EXCHANGE_STREAM_URL must not be empty")
	}
	if len(cfg.Collector.Symbols) == 0 {
		return nil, fmt.Errorf("COLLECT_SYMBOLS must name at least one trading pair")
	}

	return cfg, nil
}

// getDatabaseDSN constructs the Postgres DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("POSTGRES_USER", "postgres")
	dbPassword := getEnv("POSTGRES_PASSWORD", "postgres")
	dbHost := getEnv("POSTGRES_HOST", "localhost")
	dbPort := getEnv("POSTGRES_PORT", "5432")
	dbName := getEnv("POSTGRES_DB", "market")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		dbHost, dbPort, dbUser, dbPassword, dbName,
	)
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			symbols = append(symbols, p)
		}
	}
	return symbols
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
