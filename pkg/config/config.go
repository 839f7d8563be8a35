package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
// All environment variables are read here and nowhere else.
type Config struct {
	// Server
	Port string
	Env  string // development, staging, production

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Exchange
	Kraken KrakenConfig

	// Monitor
	Monitor MonitorConfig

	// Trading
	Trading TradingConfig

	// Logging
	LogLevel  string
	LogFormat string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL string

	// Connection Pool
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// KrakenConfig holds Kraken exchange API configuration
type KrakenConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string

	// API rate limit (requests per second)
	RateLimit float64
}

// MonitorConfig holds trailing-stop monitor configuration
type MonitorConfig struct {
	// Cron schedule for the tick job (6-field, with seconds)
	Schedule string

	// Upper bound for a single tick run
	TickTimeout time.Duration
}

// TradingConfig holds trading parameters
type TradingConfig struct {
	// Quote currencies a pair may end with, e.g. USD,USDT,EUR
	QuoteCurrencies []string

	// Trailing-stop distance used when the caller does not supply one
	DefaultStopPercent float64
}

// Load reads configuration from environment variables.
// This is the only function that calls os.Getenv().
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		// Server
		Port: getEnv("PORT", "8090"),
		Env:  getEnv("ENV", "development"),

		// Database
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			MinConns:        getEnvAsInt("DB_MIN_CONNS", 2),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", "1h"),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", "30m"),
		},

		// Redis
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
		},

		// Exchange
		Kraken: KrakenConfig{
			APIKey:    getEnv("KRAKEN_API_KEY", ""),
			APISecret: getEnv("KRAKEN_API_SECRET", ""),
			BaseURL:   getEnv("KRAKEN_BASE_URL", "https://api.kraken.com"),
			RateLimit: getEnvAsFloat("KRAKEN_RATE_LIMIT", 1.0),
		},

		// Monitor
		Monitor: MonitorConfig{
			Schedule:    getEnv("MONITOR_SCHEDULE", "0 */3 * * * *"), // every 3 minutes
			TickTimeout: getEnvAsDuration("MONITOR_TICK_TIMEOUT", "2m"),
		},

		// Trading
		Trading: TradingConfig{
			QuoteCurrencies:    getEnvAsList("TRADING_QUOTE_CURRENCIES", "USD,USDT,EUR,GBP,XBT"),
			DefaultStopPercent: getEnvAsFloat("TRADING_DEFAULT_STOP_PERCENT", 5.0),
		},

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks if required configuration values are set
func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return fmt.Errorf("ENV must be one of: development, staging, production")
	}

	if len(c.Trading.QuoteCurrencies) == 0 {
		return fmt.Errorf("TRADING_QUOTE_CURRENCIES must not be empty")
	}

	if c.Trading.DefaultStopPercent <= 0 || c.Trading.DefaultStopPercent >= 100 {
		return fmt.Errorf("TRADING_DEFAULT_STOP_PERCENT must be in (0, 100)")
	}

	return nil
}

// Helper functions (private, only used within this file)

// loadEnvFile tries to load .env from multiple locations
func loadEnvFile() {
	paths := []string{
		".env",
	}

	// Also try relative to executable
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, ".env"),
			filepath.Join(exeDir, "..", ".env"),
		)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ = time.ParseDuration(defaultValue)
	}

	return duration
}

func getEnvAsList(key string, defaultValue string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}

	parts := strings.Split(valueStr, ",")
	list := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			list = append(list, p)
		}
	}
	return list
}
