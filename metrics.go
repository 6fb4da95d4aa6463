package graphstore

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds one database's children of the shared collectors.
type metrics struct {
	name string
	vecs *metricVecs

	commits            prometheus.Counter
	frames             prometheus.Gauge
	syncs              prometheus.Counter
	syncSeconds        prometheus.Observer
	batchCommits       prometheus.Observer
	checkpoints        prometheus.Counter
	checkpointsSkipped prometheus.Counter
	checkpointLSN      prometheus.Gauge
	walBytes           prometheus.Gauge
	cacheHits          prometheus.Gauge
	cacheMisses        prometheus.Gauge
	cacheEvictions     prometheus.Gauge
	freePages          prometheus.Gauge
	readers            prometheus.Gauge
	oldestReader       prometheus.Gauge
	vacuumRemoved      prometheus.Counter
	horizonLag         prometheus.Gauge
}

type metricVecs struct {
	commits            *prometheus.CounterVec
	frames             *prometheus.GaugeVec
	syncs              *prometheus.CounterVec
	syncSeconds        *prometheus.HistogramVec
	batchCommits       *prometheus.HistogramVec
	checkpoints        *prometheus.CounterVec
	checkpointsSkipped *prometheus.CounterVec
	checkpointLSN      *prometheus.GaugeVec
	walBytes           *prometheus.GaugeVec
	cacheHits          *prometheus.GaugeVec
	cacheMisses        *prometheus.GaugeVec
	cacheEvictions     *prometheus.GaugeVec
	freePages          *prometheus.GaugeVec
	readers            *prometheus.GaugeVec
	oldestReader       *prometheus.GaugeVec
	vacuumRemoved      *prometheus.CounterVec
	horizonLag         *prometheus.GaugeVec
}

func newMetricVecs(reg prometheus.Registerer) *metricVecs {
	f := promauto.With(nil)
	labels := []string{"db"}
	return &metricVecs{
		commits: register(reg, f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstore_commit_count",
			Help: "Number of logged commits.",
		}, labels)),
		frames: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_wal_frame_count",
			Help: "Number of frames appended to the WAL by this handle.",
		}, labels)),
		syncs: register(reg, f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstore_wal_sync_count",
			Help: "Number of WAL fsyncs that published commits.",
		}, labels)),
		syncSeconds: register(reg, f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphstore_wal_sync_seconds",
			Help:    "Latency of WAL fsyncs.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, labels)),
		batchCommits: register(reg, f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "graphstore_group_commit_size",
			Help:    "Commits covered by one fsync.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}, labels)),
		checkpoints: register(reg, f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstore_checkpoint_count",
			Help: "Number of applied checkpoints.",
		}, labels)),
		checkpointsSkipped: register(reg, f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstore_checkpoint_skipped_count",
			Help: "Number of best-effort checkpoints skipped while busy.",
		}, labels)),
		checkpointLSN: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_checkpoint_lsn",
			Help: "LSN of the main file images.",
		}, labels)),
		walBytes: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_wal_bytes",
			Help: "Length of the valid WAL.",
		}, labels)),
		cacheHits: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_cache_hit_count",
			Help: "Page cache hits.",
		}, labels)),
		cacheMisses: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_cache_miss_count",
			Help: "Page cache misses.",
		}, labels)),
		cacheEvictions: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_cache_eviction_count",
			Help: "Page cache evictions.",
		}, labels)),
		freePages: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_free_pages",
			Help: "Pages on the free-list.",
		}, labels)),
		readers: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_reader_count",
			Help: "Open read transactions in this process.",
		}, labels)),
		oldestReader: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_oldest_reader_seconds",
			Help: "Age of the oldest open read transaction.",
		}, labels)),
		vacuumRemoved: register(reg, f.NewCounterVec(prometheus.CounterOpts{
			Name: "graphstore_vacuum_removed_count",
			Help: "Versions deleted by vacuum.",
		}, labels)),
		horizonLag: register(reg, f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "graphstore_vacuum_horizon_lag",
			Help: "Commits between the newest commit and the vacuum horizon.",
		}, labels)),
	}
}

// register adds c to reg, or returns the collector already registered
// under the same description so several databases share one set.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

func newMetrics(reg prometheus.Registerer, name string) *metrics {
	v := newMetricVecs(reg)
	return &metrics{
		name:               name,
		vecs:               v,
		commits:            v.commits.WithLabelValues(name),
		frames:             v.frames.WithLabelValues(name),
		syncs:              v.syncs.WithLabelValues(name),
		syncSeconds:        v.syncSeconds.WithLabelValues(name),
		batchCommits:       v.batchCommits.WithLabelValues(name),
		checkpoints:        v.checkpoints.WithLabelValues(name),
		checkpointsSkipped: v.checkpointsSkipped.WithLabelValues(name),
		checkpointLSN:      v.checkpointLSN.WithLabelValues(name),
		walBytes:           v.walBytes.WithLabelValues(name),
		cacheHits:          v.cacheHits.WithLabelValues(name),
		cacheMisses:        v.cacheMisses.WithLabelValues(name),
		cacheEvictions:     v.cacheEvictions.WithLabelValues(name),
		freePages:          v.freePages.WithLabelValues(name),
		readers:            v.readers.WithLabelValues(name),
		oldestReader:       v.oldestReader.WithLabelValues(name),
		vacuumRemoved:      v.vacuumRemoved.WithLabelValues(name),
		horizonLag:         v.horizonLag.WithLabelValues(name),
	}
}

// observeSync is the WAL's fsync hook.
func (m *metrics) observeSync(commits, frames int, elapsed time.Duration) {
	m.syncs.Inc()
	m.syncSeconds.Observe(elapsed.Seconds())
	m.batchCommits.Observe(float64(commits))
}

// publish copies a stats snapshot into the gauges.
func (m *metrics) publish(s Stats) {
	m.checkpointLSN.Set(float64(s.CheckpointLSN))
	m.walBytes.Set(float64(s.WALBytes))
	m.frames.Set(float64(s.WAL.Frames))
	m.cacheHits.Set(float64(s.Cache.Hits))
	m.cacheMisses.Set(float64(s.Cache.Misses))
	m.cacheEvictions.Set(float64(s.Cache.Evictions))
	m.freePages.Set(float64(s.FreePages))
	m.readers.Set(float64(s.Readers))
	m.oldestReader.Set(s.OldestReader.Seconds())
	m.horizonLag.Set(float64(s.Last - min(s.Horizon, s.Last)))
}

// unregister drops this database's label values.
func (m *metrics) unregister() {
	v := m.vecs
	for _, vec := range []interface{ DeleteLabelValues(...string) bool }{
		v.commits, v.frames, v.syncs, v.syncSeconds, v.batchCommits,
		v.checkpoints, v.checkpointsSkipped, v.checkpointLSN, v.walBytes,
		v.cacheHits, v.cacheMisses, v.cacheEvictions, v.freePages,
		v.readers, v.oldestReader, v.vacuumRemoved, v.horizonLag,
	} {
		vec.DeleteLabelValues(m.name)
	}
}
