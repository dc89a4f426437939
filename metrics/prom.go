package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_paste_created_total",
			Help: "no. of pastes created",
		},
		[]string{"tier"},
	)
	PasteRetrieved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_paste_retrievals_total",
			Help: "no. of retrieval attempts by outcome",
		},
		[]string{"outcome"},
	)
	SecretsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_secrets_detected_total",
			Help: "no. of pastes flagged per secret category",
		},
		[]string{"category"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_store_errors_total",
			Help: "no. of metadata or blob store failures",
		},
		[]string{"store", "op"},
	)
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "psst_tombstone_hits_total",
		Help: "no. of retrievals answered from the tombstone cache",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "psst_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"scope"},
	)
	SweepDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "psst_sweep_deleted_total",
			Help: "no. of records removed by background sweeps",
		},
		[]string{"store"},
	)
	RecentErrorRate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "psst_recent_error_rate_percent",
		Help: "5xx share of requests over the last five minutes",
	})
)
