package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daimoniac/sitelock/internal/errors"
)

// Stock values used when neither the settings file nor the environment
// provides one.
const (
	DefaultSyncInterval          = 5 * time.Second
	DefaultSyncFailureThreshold  = 3
	DefaultSyncBackoffMultiplier = 2.0
	DefaultSyncMaxInterval       = 5 * time.Minute
	DefaultBypassTTL             = 30 * time.Minute
	DefaultDirectoryTimeout      = 5 * time.Second
	DefaultWorkerRetryAttempts   = 3
	DefaultWorkerRetryBackoff    = 2 * time.Second
	DefaultWorkerConcurrency     = 1
	DefaultQueueBufferSize       = 100
)

// ParseSettings reads and parses a sitelock.yml settings file
func ParseSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewTransientf("failed to read settings file: %w", err)
	}

	var settings Settings
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return nil, errors.NewPermanentf("failed to parse settings YAML: %w", err)
	}

	return &settings, nil
}

// GetSyncInterval returns the sync interval from defaults, otherwise 5 seconds
func (s *Settings) GetSyncInterval() (time.Duration, error) {
	return durationOr(s.Defaults.SyncInterval, DefaultSyncInterval)
}

// GetSyncMaxInterval returns the backoff ceiling, otherwise 5 minutes
func (s *Settings) GetSyncMaxInterval() (time.Duration, error) {
	return durationOr(s.Defaults.SyncMaxInterval, DefaultSyncMaxInterval)
}

// GetSyncFailureThreshold returns how many consecutive failures start backoff
func (s *Settings) GetSyncFailureThreshold() int {
	if s.Defaults.SyncFailureThreshold > 0 {
		return s.Defaults.SyncFailureThreshold
	}
	return DefaultSyncFailureThreshold
}

// GetSyncBackoffMultiplier returns the per-failure interval multiplier
func (s *Settings) GetSyncBackoffMultiplier() float64 {
	if s.Defaults.SyncBackoffMultiplier >= 1 {
		return s.Defaults.SyncBackoffMultiplier
	}
	return DefaultSyncBackoffMultiplier
}

// GetBypassTTL returns how long an unlock lasts, otherwise 30 minutes
func (s *Settings) GetBypassTTL() (time.Duration, error) {
	return durationOr(s.Defaults.BypassTTL, DefaultBypassTTL)
}

// GetDirectoryTimeout returns the directory request timeout, otherwise 5 seconds
func (s *Settings) GetDirectoryTimeout() (time.Duration, error) {
	return durationOr(s.Directory.Timeout, DefaultDirectoryTimeout)
}

// GetWorkerRetryBackoff returns the base delay between delivery attempts
func (s *Settings) GetWorkerRetryBackoff() (time.Duration, error) {
	return durationOr(s.Defaults.WorkerRetryBackoff, DefaultWorkerRetryBackoff)
}

// GetWorkerRetryAttempts returns the delivery attempt limit
func (s *Settings) GetWorkerRetryAttempts() int {
	if s.Defaults.WorkerRetryAttempts > 0 {
		return s.Defaults.WorkerRetryAttempts
	}
	return DefaultWorkerRetryAttempts
}

// GetWorkerConcurrency returns the number of delivery loops
func (s *Settings) GetWorkerConcurrency() int {
	if s.Defaults.WorkerConcurrency > 0 {
		return s.Defaults.WorkerConcurrency
	}
	return DefaultWorkerConcurrency
}

// GetQueueBufferSize returns the update queue capacity
func (s *Settings) GetQueueBufferSize() int {
	if s.Defaults.QueueBufferSize > 0 {
		return s.Defaults.QueueBufferSize
	}
	return DefaultQueueBufferSize
}

func durationOr(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, errors.NewPermanentf("%w: %w", errors.ErrInvalidInput, err)
	}
	return d, nil
}
