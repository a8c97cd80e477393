package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "waveletd"

// Submission outcomes
const (
	OutcomeApplied         = "applied"
	OutcomeDuplicate       = "duplicate"
	OutcomeTransformedAway = "transformed_away"
	OutcomeFailed          = "failed"
)

// Cold load sources
const (
	LoadEmpty    = "empty"
	LoadSnapshot = "snapshot"
	LoadReplay   = "replay"
)

// Metrics holds all Prometheus metrics for the wavelet server
type Metrics struct {
	registerer prometheus.Registerer
	labels     prometheus.Labels

	// Submission metrics
	SubmissionsTotal *prometheus.CounterVec
	SubmitDuration   prometheus.Histogram
	TransformDepth   prometheus.Histogram
	ErrorsTotal      *prometheus.CounterVec

	// Wavelet state metrics
	AppendedDeltasTotal prometheus.Counter
	AppendedOpsTotal    prometheus.Counter
	CachedDeltas        prometheus.Gauge
	ColdLoadsTotal      *prometheus.CounterVec
	ColdLoadDuration    prometheus.Histogram
	ResidentWavelets    prometheus.Gauge
	EvictionsTotal      prometheus.Counter

	// Persistence metrics
	PersistRequestsTotal  prometheus.Counter
	PersistCoalescedTotal prometheus.Counter
	PersistTasksTotal     prometheus.Counter
	PersistFailuresTotal  prometheus.Counter
	PersistDuration       prometheus.Histogram
	SnapshotStoresTotal   prometheus.Counter

	// RPC metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics on reg
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,
		labels:     labels,

		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "submit",
			Name:        "submissions_total",
			Help:        "Total number of delta submissions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		SubmitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "submit",
			Name:        "duration_seconds",
			Help:        "Histogram of submission durations including persistence",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		TransformDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "submit",
			Name:        "transform_depth",
			Help:        "Number of concurrent server deltas a submission was transformed against",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "submit",
			Name:        "errors_total",
			Help:        "Total number of failed submissions by error code",
			ConstLabels: labels,
		}, []string{"code"}),

		AppendedDeltasTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "appended_deltas_total",
			Help:        "Total number of deltas appended to wavelet state",
			ConstLabels: labels,
		}),
		AppendedOpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "appended_ops_total",
			Help:        "Total number of operations appended to wavelet state",
			ConstLabels: labels,
		}),
		CachedDeltas: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "cached_deltas",
			Help:        "Number of deltas held in memory awaiting persistence or eviction",
			ConstLabels: labels,
		}),
		ColdLoadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "cold_loads_total",
			Help:        "Total number of wavelet loads from storage by source",
			ConstLabels: labels,
		}, []string{"source"}),
		ColdLoadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "cold_load_duration_seconds",
			Help:        "Histogram of wavelet load durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ResidentWavelets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "resident",
			Help:        "Number of wavelets held in memory",
			ConstLabels: labels,
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "wavelet",
			Name:        "evictions_total",
			Help:        "Total number of wavelets evicted from memory",
			ConstLabels: labels,
		}),

		PersistRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "requests_total",
			Help:        "Total number of persistence requests",
			ConstLabels: labels,
		}),
		PersistCoalescedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "coalesced_total",
			Help:        "Total number of persistence requests served by an existing task",
			ConstLabels: labels,
		}),
		PersistTasksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "tasks_total",
			Help:        "Total number of persistence writes executed",
			ConstLabels: labels,
		}),
		PersistFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "failures_total",
			Help:        "Total number of failed persistence writes",
			ConstLabels: labels,
		}),
		PersistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "duration_seconds",
			Help:        "Histogram of persistence write durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SnapshotStoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "persist",
			Name:        "snapshot_stores_total",
			Help:        "Total number of snapshots written to storage",
			ConstLabels: labels,
		}),

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "requests_total",
			Help:        "Total number of RPC requests by method and status code",
			ConstLabels: labels,
		}, []string{"method", "code"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "request_duration_seconds",
			Help:        "Histogram of RPC request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "rpc",
			Name:        "rate_limited_total",
			Help:        "Total number of RPC requests rejected by the rate limiter",
			ConstLabels: labels,
		}),
	}
}

// NewNop returns metrics registered on a private registry
func NewNop() *Metrics {
	return NewMetrics("", prometheus.NewRegistry())
}

// RegisterGaugeFunc exposes a value computed at scrape time, such as worker
// pool or disk statistics
func (m *Metrics) RegisterGaugeFunc(subsystem, name, help string, fn func() float64) {
	promauto.With(m.registerer).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: m.labels,
	}, fn)
}
