// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration. It is constructed once at process
// start and passed by reference to every component that needs it.
type Config struct {
	// Storage
	DataDir    string // Root directory for Bronze payload files
	OpsDBPath  string // SQLite database holding the ingestion ledger and run history
	LakeDBPath string // SQLite database holding the Silver tables

	// Catalog
	CatalogPath   string // YAML file with dataset recipes
	ContractsPath string // YAML file with schema contracts

	// Market data API
	APIBaseURL string
	APIKey     string
	APITier    string // subscription plan gating catalog recipes; empty allows all

	// Rate limiting and retries
	RateLimitCalls   int // Max calls per sliding window
	RateLimitPeriod  int // Sliding window length in seconds
	MaxRetryAttempts int
	RetryBaseDelayMS int

	// HTTP timeouts
	ConnectTimeoutSeconds int
	ReadTimeoutSeconds    int

	// Pipeline behaviour
	FetchConcurrency int    // Worker pool size for per-ticker fetches
	TickerChunkSize  int    // Tickers per fetch-then-promote chunk
	TickerLimit      int    // Cap on tickers per per-key recipe; 0 means all
	WatermarkMode    string // "date" filters promoted rows by watermark, "none" disables
	ChunkStrategy    string // "none", "year" or "month" merge partitioning

	// Optional S3-compatible archive for Bronze payloads
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string

	// Serve mode
	Port          int
	IngestionCron string // Cron expression for scheduled runs
	NewKeysCron   string // Cron expression for new-key backfills; empty disables
	NewKeysLimit  int    // Max tickers backfilled per scheduled new-key run

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:               getEnv("DATA_DIR", "./data"),
		OpsDBPath:             getEnv("OPS_DB_PATH", "./data/ops.db"),
		LakeDBPath:            getEnv("LAKE_DB_PATH", "./data/lake.db"),
		CatalogPath:           getEnv("CATALOG_PATH", "./config/catalog.yaml"),
		ContractsPath:         getEnv("CONTRACTS_PATH", "./config/contracts.yaml"),
		APIBaseURL:            getEnv("API_BASE_URL", "https://financialmodelingprep.com/api/v3"),
		APIKey:                getEnv("API_KEY", ""),
		APITier:               getEnv("API_TIER", ""),
		RateLimitCalls:        getEnvAsInt("RATE_LIMIT_CALLS", 300),
		RateLimitPeriod:       getEnvAsInt("RATE_LIMIT_PERIOD_SECONDS", 60),
		MaxRetryAttempts:      getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBaseDelayMS:      getEnvAsInt("RETRY_BASE_DELAY_MS", 1000),
		ConnectTimeoutSeconds: getEnvAsInt("CONNECT_TIMEOUT_SECONDS", 10),
		ReadTimeoutSeconds:    getEnvAsInt("READ_TIMEOUT_SECONDS", 30),
		FetchConcurrency:      getEnvAsInt("FETCH_CONCURRENCY", 4),
		TickerChunkSize:       getEnvAsInt("TICKER_CHUNK_SIZE", 10),
		TickerLimit:           getEnvAsInt("TICKER_LIMIT", 0),
		WatermarkMode:         getEnv("WATERMARK_MODE", "date"),
		ChunkStrategy:         getEnv("CHUNK_STRATEGY", "month"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "auto"),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		Port:                  getEnvAsInt("PORT", 8090),
		IngestionCron:         getEnv("INGESTION_CRON", "0 30 6 * * *"),
		NewKeysCron:           getEnv("NEW_KEYS_CRON", "0 0 7 * * 6"),
		NewKeysLimit:          getEnvAsInt("NEW_KEYS_LIMIT", 100),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DevMode:               getEnvAsBool("DEV_MODE", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.OpsDBPath == "" {
		return fmt.Errorf("OPS_DB_PATH is required")
	}
	if c.LakeDBPath == "" {
		return fmt.Errorf("LAKE_DB_PATH is required")
	}
	if c.RateLimitCalls <= 0 || c.RateLimitPeriod <= 0 {
		return fmt.Errorf("rate limit window must be positive (calls=%d period=%ds)", c.RateLimitCalls, c.RateLimitPeriod)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1")
	}
	if c.TickerChunkSize < 1 {
		return fmt.Errorf("TICKER_CHUNK_SIZE must be at least 1")
	}
	if c.TickerLimit < 0 {
		return fmt.Errorf("TICKER_LIMIT must not be negative")
	}
	switch c.WatermarkMode {
	case "date", "none":
	default:
		return fmt.Errorf("unknown WATERMARK_MODE %q (want \"date\" or \"none\")", c.WatermarkMode)
	}
	switch c.ChunkStrategy {
	case "none", "year", "month":
	default:
		return fmt.Errorf("unknown CHUNK_STRATEGY %q (want \"none\", \"year\" or \"month\")", c.ChunkStrategy)
	}

	// API key is optional for offline/replay work: fetch requests fail at
	// request-build time when the endpoint actually requires one.
	return nil
}

// S3Configured reports whether the optional Bronze archive mirror is enabled.
func (c *Config) S3Configured() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
