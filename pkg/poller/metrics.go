package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// fetchTotal counts poll cycles by outcome.
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridpulse_fetch_total",
			Help: "Total poll cycles by account and result",
		},
		[]string{"account_id", "result"},
	)

	// fetchSeconds tracks how long a full acquire+fetch cycle takes.
	fetchSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridpulse_fetch_duration_seconds",
			Help:    "Duration of one acquire+fetch cycle",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account_id"},
	)

	// backoffSeconds tracks the current backoff delay for an account.
	backoffSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridpulse_backoff_seconds",
			Help: "Current backoff delay after transient failures",
		},
		[]string{"account_id"},
	)

	// lastSuccess is the fetch-start timestamp of the last committed
	// snapshot, for staleness alerting.
	lastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridpulse_last_success_timestamp_seconds",
			Help: "Fetch-start time of the last committed snapshot",
		},
		[]string{"account_id"},
	)
)

func init() {
	prometheus.MustRegister(fetchTotal)
	prometheus.MustRegister(fetchSeconds)
	prometheus.MustRegister(backoffSeconds)
	prometheus.MustRegister(lastSuccess)
}
