package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/daimoniac/sitelock/internal/types"
)

var (
	cacheCollectorOnce     sync.Once
	cacheCollectorInstance *CacheCollector
)

// CacheSource is the read side of the local cache the collector needs.
type CacheSource interface {
	Restrictions() []types.RestrictionRecord
	ListExceptions() []types.ExceptionEntry
	SyncMetadata(ctx context.Context) (types.SyncMetadata, error)
}

// CacheCollector reports cache contents on demand when /metrics is scraped
type CacheCollector struct {
	source CacheSource
	logger *slog.Logger
	now    func() time.Time

	restrictionsDesc *prometheus.Desc
	exceptionsDesc   *prometheus.Desc
	lastSyncDesc     *prometheus.Desc
}

// NewCacheCollector creates a new cache metrics collector
func NewCacheCollector(source CacheSource, logger *slog.Logger) *CacheCollector {
	return &CacheCollector{
		source: source,
		logger: logger,
		now:    time.Now,
		restrictionsDesc: prometheus.NewDesc(
			"sitelock_restrictions",
			"Number of cached restriction records by active flag",
			[]string{"active"},
			nil,
		),
		exceptionsDesc: prometheus.NewDesc(
			"sitelock_exceptions",
			"Number of cached exceptions by validity",
			[]string{"state"}, // valid, expired
			nil,
		),
		lastSyncDesc: prometheus.NewDesc(
			"sitelock_last_sync_timestamp_seconds",
			"Unix time of the last successful reconciliation",
			nil,
			nil,
		),
	}
}

// RegisterCacheCollector registers the cache collector exactly once
func RegisterCacheCollector(source CacheSource, logger *slog.Logger) {
	cacheCollectorOnce.Do(func() {
		cacheCollectorInstance = NewCacheCollector(source, logger)
		prometheus.MustRegister(cacheCollectorInstance)
		logger.Info("cache metrics collector registered")
	})
}

// Describe sends the metric descriptors to the provided channel
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.restrictionsDesc
	ch <- c.exceptionsDesc
	ch <- c.lastSyncDesc
}

// Collect reads the cache and sends current metrics to the provided channel
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	var active, inactive int
	for _, r := range c.source.Restrictions() {
		if r.IsActive {
			active++
		} else {
			inactive++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.restrictionsDesc, prometheus.GaugeValue, float64(active), "true")
	ch <- prometheus.MustNewConstMetric(c.restrictionsDesc, prometheus.GaugeValue, float64(inactive), "false")

	nowMillis := types.ToEpochMillis(c.now())
	var valid, expired int
	for _, e := range c.source.ListExceptions() {
		if e.ValidAt(nowMillis) {
			valid++
		} else {
			expired++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.exceptionsDesc, prometheus.GaugeValue, float64(valid), "valid")
	ch <- prometheus.MustNewConstMetric(c.exceptionsDesc, prometheus.GaugeValue, float64(expired), "expired")

	// The store may be contended; metrics are allowed to be incomplete.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	meta, err := c.source.SyncMetadata(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.logger.Debug("sync metadata metric collection timed out", "error", err)
		} else {
			c.logger.Error("failed to collect sync metadata metric", "error", err)
		}
		return
	}
	if meta.LastSyncAtEpochMillis > 0 {
		ch <- prometheus.MustNewConstMetric(
			c.lastSyncDesc,
			prometheus.GaugeValue,
			float64(meta.LastSyncAtEpochMillis)/1000,
		)
	}
}
