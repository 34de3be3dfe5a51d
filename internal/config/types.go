package config

import (
	"time"
)

// Config represents the complete application configuration
type Config struct {
	SettingsPath  string
	Directory     DirectoryConfig
	Sync          SyncConfig
	Bypass        BypassConfig
	Guard         GuardConfig
	Verifier      VerifierConfig
	Store         StoreConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	API           APIConfig
	Observability ObservabilityConfig
}

// DirectoryConfig points at the remote restriction directory
type DirectoryConfig struct {
	URL     string
	Timeout time.Duration
}

// SyncConfig configures the reconciliation scheduler
type SyncConfig struct {
	Interval          time.Duration
	FailureThreshold  int
	BackoffMultiplier float64
	MaxInterval       time.Duration
}

// BypassConfig configures unlock grants
type BypassConfig struct {
	TTL time.Duration
}

// GuardConfig configures navigation decisions
type GuardConfig struct {
	BlockPageURL    string
	ScopeExpression string
}

// Verifier modes.
const (
	VerifierRemote = "remote"
	VerifierBcrypt = "bcrypt"
)

// VerifierConfig selects how unlock PINs are checked
type VerifierConfig struct {
	Mode    string
	URL     string
	PINHash string
	Timeout time.Duration
}

// StoreConfig configures the persistent key-value store
type StoreConfig struct {
	Type       string
	SQLitePath string
	// PollInterval is how often the sqlite store looks for writes made by
	// other processes. Zero disables the check.
	PollInterval time.Duration
}

// QueueConfig configures the in-memory directory update queue
type QueueConfig struct {
	BufferSize int
}

// WorkerConfig configures directory update delivery
type WorkerConfig struct {
	RetryAttempts int
	RetryBackoff  time.Duration
	Concurrency   int
}

// APIConfig configures the HTTP API server
type APIConfig struct {
	Enabled     bool
	Port        int
	APIKey      string
	ReadOnly    bool
	CORSOrigins string
}

// ObservabilityConfig configures logging and metrics
type ObservabilityConfig struct {
	LogLevel        string
	MetricsPort     int
	HealthCheckPort int
}

// Settings is the optional sitelock.yml file. Values here are defaults that
// environment variables override.
type Settings struct {
	Version   int               `yaml:"version"`
	Directory DirectorySettings `yaml:"directory"`
	Defaults  Defaults          `yaml:"defaults"`
	Guard     GuardSettings     `yaml:"guard"`
	Verifier  VerifierSettings  `yaml:"verifier"`
}

// DirectorySettings locates the remote directory
type DirectorySettings struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout,omitempty"`
}

// Defaults contains default timing and sizing values
type Defaults struct {
	SyncInterval          string  `yaml:"x-sync-interval,omitempty"`
	SyncFailureThreshold  int     `yaml:"x-sync-failure-threshold,omitempty"`
	SyncBackoffMultiplier float64 `yaml:"x-sync-backoff-multiplier,omitempty"`
	SyncMaxInterval       string  `yaml:"x-sync-max-interval,omitempty"`
	BypassTTL             string  `yaml:"x-bypass-ttl,omitempty"`
	WorkerConcurrency     int     `yaml:"x-worker-concurrency,omitempty"`
	WorkerRetryAttempts   int     `yaml:"x-worker-retry-attempts,omitempty"`
	WorkerRetryBackoff    string  `yaml:"x-worker-retry-backoff,omitempty"`
	QueueBufferSize       int     `yaml:"x-queue-buffer-size,omitempty"`
}

// GuardSettings configures the block page and evaluation scope
type GuardSettings struct {
	BlockPage string `yaml:"block-page,omitempty"`
	Scope     string `yaml:"scope,omitempty"`
}

// VerifierSettings selects the PIN verifier
type VerifierSettings struct {
	Mode    string `yaml:"mode,omitempty"`
	URL     string `yaml:"url,omitempty"`
	PINHash string `yaml:"pin-hash,omitempty"`
}
