package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/daimoniac/sitelock/internal/errors"
)

// Load loads configuration from environment variables and sitelock.yml
// defaults. A missing settings file is not an error; a malformed one is.
func Load() (*Config, error) {
	settingsPath := getEnv("SITELOCK_CONFIG", "sitelock.yml")

	settings := &Settings{}
	if parsed, err := ParseSettings(settingsPath); err == nil {
		settings = parsed
	} else if errors.IsPermanent(err) {
		return nil, err
	}

	syncInterval, err := settings.GetSyncInterval()
	if err != nil {
		return nil, err
	}
	syncMax, err := settings.GetSyncMaxInterval()
	if err != nil {
		return nil, err
	}
	bypassTTL, err := settings.GetBypassTTL()
	if err != nil {
		return nil, err
	}
	directoryTimeout, err := settings.GetDirectoryTimeout()
	if err != nil {
		return nil, err
	}
	retryBackoff, err := settings.GetWorkerRetryBackoff()
	if err != nil {
		return nil, err
	}

	directoryURL := getEnv("SITELOCK_DIRECTORY_URL", settings.Directory.URL)

	cfg := &Config{
		SettingsPath: settingsPath,
		Directory: DirectoryConfig{
			URL:     directoryURL,
			Timeout: getEnvDuration("SITELOCK_DIRECTORY_TIMEOUT", directoryTimeout),
		},
		Sync: SyncConfig{
			Interval:          getEnvDuration("SYNC_INTERVAL", syncInterval),
			FailureThreshold:  getEnvInt("SYNC_FAILURE_THRESHOLD", settings.GetSyncFailureThreshold()),
			BackoffMultiplier: getEnvFloat("SYNC_BACKOFF_MULTIPLIER", settings.GetSyncBackoffMultiplier()),
			MaxInterval:       getEnvDuration("SYNC_MAX_INTERVAL", syncMax),
		},
		Bypass: BypassConfig{
			TTL: getEnvDuration("BYPASS_TTL", bypassTTL),
		},
		Guard: GuardConfig{
			BlockPageURL:    getEnv("BLOCK_PAGE_URL", settings.Guard.BlockPage),
			ScopeExpression: getEnv("SCOPE_EXPRESSION", settings.Guard.Scope),
		},
		Verifier: VerifierConfig{
			Mode:    getEnv("VERIFIER_MODE", orDefault(settings.Verifier.Mode, VerifierRemote)),
			URL:     getEnv("VERIFIER_URL", settings.Verifier.URL),
			PINHash: getEnv("VERIFIER_PIN_HASH", settings.Verifier.PINHash),
			Timeout: getEnvDuration("VERIFIER_TIMEOUT", directoryTimeout),
		},
		Store: StoreConfig{
			Type:         getEnv("STORE_TYPE", "sqlite"),
			SQLitePath:   getEnv("SQLITE_PATH", "sitelock.db"),
			PollInterval: getEnvDuration("STORE_POLL_INTERVAL", 2*time.Second),
		},
		Queue: QueueConfig{
			BufferSize: getEnvInt("QUEUE_BUFFER_SIZE", settings.GetQueueBufferSize()),
		},
		Worker: WorkerConfig{
			RetryAttempts: getEnvInt("WORKER_RETRY_ATTEMPTS", settings.GetWorkerRetryAttempts()),
			RetryBackoff:  getEnvDuration("WORKER_RETRY_BACKOFF", retryBackoff),
			Concurrency:   getEnvInt("WORKER_CONCURRENCY", settings.GetWorkerConcurrency()),
		},
		API: APIConfig{
			Enabled:     getEnvBool("API_ENABLED", true),
			Port:        getEnvInt("API_PORT", 8080),
			APIKey:      getEnv("SITELOCK_API_KEY", ""),
			ReadOnly:    getEnvBool("API_READ_ONLY", false),
			CORSOrigins: getEnv("API_CORS_ORIGINS", "*"),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			MetricsPort:     getEnvInt("METRICS_PORT", 9090),
			HealthCheckPort: getEnvInt("HEALTH_CHECK_PORT", 8081),
		},
	}

	if cfg.Verifier.Mode == VerifierRemote && cfg.Verifier.URL == "" && directoryURL != "" {
		cfg.Verifier.URL = strings.TrimRight(directoryURL, "/") + "/pin/verify"
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Directory.URL != "" {
		if err := validateHTTPURL("directory URL", c.Directory.URL); err != nil {
			return err
		}
	}

	if c.Sync.Interval <= 0 {
		return errors.NewPermanentf("sync interval must be positive")
	}
	if c.Sync.FailureThreshold < 1 {
		return errors.NewPermanentf("sync failure threshold must be at least 1")
	}
	if c.Sync.BackoffMultiplier < 1 {
		return errors.NewPermanentf("sync backoff multiplier must be at least 1")
	}
	if c.Sync.MaxInterval < c.Sync.Interval {
		return errors.NewPermanentf("sync max interval (%s) must not be below the interval (%s)", c.Sync.MaxInterval, c.Sync.Interval)
	}

	if c.Bypass.TTL <= 0 {
		return errors.NewPermanentf("bypass TTL must be positive")
	}

	switch c.Verifier.Mode {
	case VerifierRemote:
		if c.Verifier.URL != "" {
			if err := validateHTTPURL("verifier URL", c.Verifier.URL); err != nil {
				return err
			}
		}
	case VerifierBcrypt:
		if c.Verifier.PINHash == "" {
			return errors.NewPermanentf("PIN hash is required when using the bcrypt verifier")
		}
	default:
		return errors.NewPermanentf("invalid verifier mode: %s (must be remote or bcrypt)", c.Verifier.Mode)
	}

	if c.Store.Type != "sqlite" && c.Store.Type != "memory" {
		return errors.NewPermanentf("invalid store type: %s (must be sqlite or memory)", c.Store.Type)
	}
	if c.Store.Type == "sqlite" && c.Store.SQLitePath == "" {
		return errors.NewPermanentf("sqlite path is required when using sqlite store")
	}
	if c.Store.PollInterval < 0 {
		return errors.NewPermanentf("store poll interval must not be negative")
	}

	if c.Queue.BufferSize < 1 {
		return errors.NewPermanentf("queue buffer size must be at least 1")
	}

	return nil
}

// RequireDirectory reports an error when no remote directory is configured.
// Commands that only read the local store do not call it.
func (c *Config) RequireDirectory() error {
	if c.Directory.URL == "" {
		return errors.NewPermanentf("SITELOCK_DIRECTORY_URL environment variable or directory.url setting is required")
	}
	return nil
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.NewPermanentf("invalid %s: %q (must be an absolute http or https URL)", name, raw)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intValue int
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := parseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
