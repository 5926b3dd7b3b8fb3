package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tesseract-hub/preferences-service/internal/cache"
	"github.com/tesseract-hub/preferences-service/internal/watcher"
)

// CacheCollector exports cache and watcher statistics at scrape time
type CacheCollector struct {
	cache   *cache.Cache
	watcher *watcher.Watcher

	size        *prometheus.Desc
	memory      *prometheus.Desc
	expired     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	breakerOpen *prometheus.Desc
	published   *prometheus.Desc
	pending     *prometheus.Desc
}

// NewCacheCollector creates a collector. w may be nil.
func NewCacheCollector(c *cache.Cache, w *watcher.Watcher) *CacheCollector {
	table := []string{"table"}
	return &CacheCollector{
		cache:       c,
		watcher:     w,
		size:        prometheus.NewDesc("preferences_service_cache_entries", "Entries held in the L1 cache", table, nil),
		memory:      prometheus.NewDesc("preferences_service_cache_memory_bytes", "Approximate encoded size of L1 entries", table, nil),
		expired:     prometheus.NewDesc("preferences_service_cache_expired_entries", "Expired entries not yet swept", table, nil),
		hits:        prometheus.NewDesc("preferences_service_cache_hits_total", "Cache hits", table, nil),
		misses:      prometheus.NewDesc("preferences_service_cache_misses_total", "Cache misses", table, nil),
		evictions:   prometheus.NewDesc("preferences_service_cache_evictions_total", "Entries evicted by the size bound", table, nil),
		breakerOpen: prometheus.NewDesc("preferences_service_cache_redis_breaker_open", "Redis circuit breaker open (1) or not (0)", table, nil),
		published:   prometheus.NewDesc("preferences_service_watcher_published_total", "Change events published", nil, nil),
		pending:     prometheus.NewDesc("preferences_service_watcher_pending_events", "Change events queued for slow subscribers", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.size, c.memory, c.expired, c.hits, c.misses, c.evictions, c.breakerOpen, c.published, c.pending} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.cache.Tables() {
		s := c.cache.Stats(name)
		ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size), name)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(s.MemoryUsage), name)
		ch <- prometheus.MustNewConstMetric(c.expired, prometheus.GaugeValue, float64(s.ExpiredEntries), name)
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), name)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), name)
		open := 0.0
		if s.BreakerState == "open" {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open, name)
	}
	if c.watcher != nil {
		ws := c.watcher.Stats()
		ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(ws.Published))
		ch <- prometheus.MustNewConstMetric(c.pending, prometheus.GaugeValue, float64(ws.Pending))
	}
}
