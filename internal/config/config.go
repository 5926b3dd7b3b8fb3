package config

import (
	"os"
	"strconv"
	"time"

	"github.com/Tesseract-Nexus/go-shared/secrets"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	App      AppConfig      `json:"app"`
	Redis    RedisConfig    `json:"redis"`
	NATS     NATSConfig     `json:"nats"`
	Cache    CacheConfig    `json:"cache"`
}

type ServerConfig struct {
	Port string `json:"port"`
	Host string `json:"host"`
	Mode string `json:"mode"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type AppConfig struct {
	Environment string `json:"environment"`
	Debug       bool   `json:"debug"`
	Version     string `json:"version"`
	LogLevel    string `json:"logLevel"`
	InstanceID  string `json:"instanceId"`
	StoreDriver string `json:"storeDriver"` // "postgres" or "memory"
	SeedFile    string `json:"seedFile"`    // JSON array of system defaults loaded at startup
}

type RedisConfig struct {
	Host      string `json:"host"`
	Port      string `json:"port"`
	Password  string `json:"password"`
	DB        string `json:"db"`
	URL       string `json:"url"` // Built from components or can be overridden
	KeyPrefix string `json:"keyPrefix"`
}

type NATSConfig struct {
	URL           string        `json:"url"`
	Subject       string        `json:"subject"`
	Stream        string        `json:"stream"`
	ReconnectWait time.Duration `json:"reconnectWait"`
}

// CacheConfig controls the resolution cache and its maintenance
type CacheConfig struct {
	DefaultTTL      time.Duration `json:"defaultTtl"`
	MaxEntries      int           `json:"maxEntries"`
	CleanupSchedule string        `json:"cleanupSchedule"` // robfig/cron spec, e.g. "@every 1m"
	ExpirySchedule  string        `json:"expirySchedule"`  // temporary override expiry job
	TrackerSize     int           `json:"trackerSize"`
	WatcherBuffer   int           `json:"watcherBuffer"`
	BatchParallel   int           `json:"batchParallel"`
}

// NewConfig creates a new configuration instance with environment variables
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8095"),
			Host: getEnv("HOST", "0.0.0.0"),
			Mode: getEnv("GIN_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: secrets.GetDBPassword(),
			DBName:   getEnv("DB_NAME", "preferences_db"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		App: AppConfig{
			Environment: getEnv("ENVIRONMENT", "development"),
			Debug:       getBoolEnv("DEBUG", true),
			Version:     getEnv("VERSION", "1.0.0"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			InstanceID:  getEnv("HOSTNAME", "preferences-service"),
			StoreDriver: getEnv("PREFERENCES_STORE", "postgres"),
			SeedFile:    os.Getenv("SYSTEM_DEFAULTS_FILE"),
		},
		Redis: buildRedisConfig(),
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			Subject:       getEnv("NATS_SUBJECT_PREFIX", "preferences"),
			Stream:        getEnv("NATS_STREAM", "PREFERENCE_EVENTS"),
			ReconnectWait: getDurationEnv("NATS_RECONNECT_WAIT", 2*time.Second),
		},
		Cache: CacheConfig{
			DefaultTTL:      getDurationEnv("CACHE_DEFAULT_TTL", 5*time.Minute),
			MaxEntries:      getIntEnv("CACHE_MAX_ENTRIES", 10000),
			CleanupSchedule: getEnv("CACHE_CLEANUP_SCHEDULE", "@every 1m"),
			ExpirySchedule:  getEnv("OVERRIDE_EXPIRY_SCHEDULE", "@every 5m"),
			TrackerSize:     getIntEnv("INHERITANCE_TRACKER_SIZE", 1024),
			WatcherBuffer:   getIntEnv("WATCHER_BUFFER_SIZE", 64),
			BatchParallel:   getIntEnv("RESOLVE_BATCH_PARALLELISM", 8),
		},
	}
}

// buildRedisConfig builds the Redis configuration from environment variables.
// An empty URL disables the L2 cache.
func buildRedisConfig() RedisConfig {
	prefix := getEnv("REDIS_KEY_PREFIX", "prefs:")

	// First check for explicit REDIS_URL override
	if url := os.Getenv("REDIS_URL"); url != "" {
		return RedisConfig{URL: url, KeyPrefix: prefix}
	}

	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return RedisConfig{KeyPrefix: prefix}
	}
	port := getEnv("REDIS_PORT", "6379")
	password := os.Getenv("REDIS_PASSWORD")
	db := getEnv("REDIS_DB", "0")

	// Build Redis URL with or without password
	var url string
	if password != "" {
		url = "redis://:" + password + "@" + host + ":" + port + "/" + db
	} else {
		url = "redis://" + host + ":" + port + "/" + db
	}

	return RedisConfig{
		Host:      host,
		Port:      port,
		Password:  password,
		DB:        db,
		URL:       url,
		KeyPrefix: prefix,
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return "host=" + c.Host +
		" port=" + c.Port +
		" user=" + c.User +
		" password=" + c.Password +
		" dbname=" + c.DBName +
		" sslmode=" + c.SSLMode
}

// IsDevelopment checks if the app is running in development mode
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// UsesMemoryStore reports whether preferences live in process memory only
func (c *AppConfig) UsesMemoryStore() bool {
	return c.StoreDriver == "memory"
}

// getEnv gets environment variable with fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getBoolEnv gets boolean environment variable with fallback
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
