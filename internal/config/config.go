package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config application config
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Limits      LimitsConfig      `yaml:"limits"`
	Retry       RetryConfig       `yaml:"retry"`
	Provider    ProviderConfig    `yaml:"provider"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logging     LoggingConfig     `yaml:"logging"`
	Keys        []string          `yaml:"keys"`
}

// ServerConfig HTTP server
type ServerConfig struct {
	Host              string  `yaml:"host"`
	Port              int     `yaml:"port"`
	APIKey            string  `yaml:"api_key"`
	AdminAPIKey       string  `yaml:"admin_api_key"`
	RequestsPerSecond float64 `yaml:"requests_per_second"` // 0 = unthrottled
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig SQLite file (key records when store.backend is sqlite, call logs always)
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StoreConfig selects the key record backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // sqlite | redis
}

// RedisConfig redis connection for the redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LimitsConfig per-key quotas
type LimitsConfig struct {
	PerMinute     int   `yaml:"per_minute"`
	PerDay        int   `yaml:"per_day"`
	TokensPerDay  int64 `yaml:"tokens_per_day"`
	TokenHeadroom int64 `yaml:"token_headroom"` // negative disables
}

// RetryConfig executor retry policy
type RetryConfig struct {
	MaxRetries            int `yaml:"max_retries"`
	BaseDelayMs           int `yaml:"base_delay_ms"`
	MaxDelayMs            int `yaml:"max_delay_ms"`
	AttemptTimeoutSeconds int `yaml:"attempt_timeout_seconds"`
}

// BaseDelay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// AttemptTimeout as a duration.
func (r RetryConfig) AttemptTimeout() time.Duration {
	return time.Duration(r.AttemptTimeoutSeconds) * time.Second
}

// ProviderConfig upstream generative API
type ProviderConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// MaintenanceConfig background pool sweep
type MaintenanceConfig struct {
	Enabled  *bool `yaml:"enabled"` // on unless set to false
	Interval int   `yaml:"interval"` // seconds
}

// IsEnabled reports whether the sweep runs; unset means on.
func (m MaintenanceConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// LoggingConfig logging
type LoggingConfig struct {
	Level         string `yaml:"level"`
	RetentionDays int    `yaml:"retention_days"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load reads the config file, applies .env / environment overrides and defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	case os.IsNotExist(err) && os.Getenv("KEYRELAY_ALLOW_MISSING_CONFIG") != "":
		// environment-only deployment
	default:
		return nil, err
	}

	// "auto" keys are generated once and written back. Only file values are
	// persisted, never environment overrides or defaults.
	if maybeGenerateKeys(cfg) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	// "auto" from the environment yields per-process keys
	maybeGenerateKeys(cfg)
	setDefaults(cfg)

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

func maybeGenerateKeys(cfg *Config) bool {
	changed := false

	if strings.EqualFold(strings.TrimSpace(cfg.Server.APIKey), "auto") {
		cfg.Server.APIKey = generateAPIKey("keyrelay-user")
		changed = true
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Server.AdminAPIKey), "auto") {
		cfg.Server.AdminAPIKey = generateAPIKey("keyrelay-admin")
		changed = true
	}

	return changed
}

func generateAPIKey(prefix string) string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return prefix + "-fallback-key"
	}
	return prefix + "-" + hex.EncodeToString(b)
}

// Get returns the last loaded config.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// applyEnv overrides file values with KEYRELAY_* variables.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("KEYRELAY_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KEYRELAY_PORT", cfg.Server.Port)
	cfg.Server.APIKey = getEnv("KEYRELAY_API_KEY", cfg.Server.APIKey)
	cfg.Server.AdminAPIKey = getEnv("KEYRELAY_ADMIN_API_KEY", cfg.Server.AdminAPIKey)
	cfg.Database.Path = getEnv("KEYRELAY_DATABASE_PATH", cfg.Database.Path)
	cfg.Store.Backend = getEnv("KEYRELAY_STORE_BACKEND", cfg.Store.Backend)
	cfg.Redis.Addr = getEnv("KEYRELAY_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("KEYRELAY_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("KEYRELAY_REDIS_DB", cfg.Redis.DB)
	cfg.Provider.BaseURL = getEnv("KEYRELAY_PROVIDER_BASE_URL", cfg.Provider.BaseURL)
	cfg.Provider.DefaultModel = getEnv("KEYRELAY_DEFAULT_MODEL", cfg.Provider.DefaultModel)
	cfg.Retry.MaxRetries = getEnvInt("KEYRELAY_MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Logging.Level = getEnv("KEYRELAY_LOG_LEVEL", cfg.Logging.Level)

	if keys := getEnv("KEYRELAY_KEYS", ""); keys != "" {
		cfg.Keys = append(cfg.Keys, SplitKeys(keys)...)
	}
}

// SplitKeys splits a comma or newline separated key list, dropping blanks.
func SplitKeys(s string) []string {
	s = strings.ReplaceAll(s, "\n", ",")
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

// setDefaults fills zero values
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 18090
	}
	if cfg.Server.RequestsPerSecond > 0 && cfg.Server.Burst == 0 {
		cfg.Server.Burst = int(cfg.Server.RequestsPerSecond)
		if cfg.Server.Burst < 1 {
			cfg.Server.Burst = 1
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/keyrelay.db"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "sqlite"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "keyrelay:"
	}
	if cfg.Limits.PerMinute == 0 {
		cfg.Limits.PerMinute = 14
	}
	if cfg.Limits.PerDay == 0 {
		cfg.Limits.PerDay = 1490
	}
	if cfg.Limits.TokensPerDay == 0 {
		cfg.Limits.TokensPerDay = 1000000
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 1000
	}
	if cfg.Retry.MaxDelayMs == 0 {
		cfg.Retry.MaxDelayMs = 30000
	}
	if cfg.Retry.AttemptTimeoutSeconds == 0 {
		cfg.Retry.AttemptTimeoutSeconds = 60
	}
	if cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Provider.DefaultModel == "" {
		cfg.Provider.DefaultModel = "gemini-1.5-flash"
	}
	if cfg.Provider.MaxTokens == 0 {
		cfg.Provider.MaxTokens = 8192
	}
	if cfg.Maintenance.Enabled == nil {
		on := true
		cfg.Maintenance.Enabled = &on
	}
	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = 30
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.RetentionDays == 0 {
		cfg.Logging.RetentionDays = 7
	}
}

// Save writes the config back to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
