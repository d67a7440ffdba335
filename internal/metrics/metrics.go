// Package metrics exposes haggled's Prometheus collectors: counts of
// neighbours and routing table entries, objects forwarded/dropped, and
// per-connection state, mirroring the observability surface the original
// implementation's HAGGLE_STAT_DEBUG tracing covered informally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NeighboursTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haggled_neighbours_total",
			Help: "Number of nodes currently reachable over at least one up interface",
		},
	)

	InterfacesUpTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haggled_interfaces_up_total",
			Help: "Number of interfaces currently up, by type",
		},
		[]string{"type"},
	)

	RIBEntriesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haggled_prophet_rib_entries_total",
			Help: "Number of entries in the local PRoPHET routing information base",
		},
	)

	DataObjectsStoredTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haggled_dataobjects_stored_total",
			Help: "Number of data objects currently held in the data store",
		},
	)

	DataObjectsForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haggled_dataobjects_forwarded_total",
			Help: "Total number of data objects forwarded, by reason (direct, delegate)",
		},
		[]string{"reason"},
	)

	DataObjectsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haggled_dataobjects_dropped_total",
			Help: "Total number of data objects dropped, by reason (duplicate, aged_out, verify_failed)",
		},
		[]string{"reason"},
	)

	ConnectionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haggled_connections_total",
			Help: "Number of protocol connections currently in each state",
		},
		[]string{"state"},
	)

	ConnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "haggled_connection_attempts_total",
			Help: "Total number of outgoing connection attempts, by outcome",
		},
		[]string{"outcome"},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haggled_send_duration_seconds",
			Help:    "Time taken to send a data object over a connection",
			Buckets: prometheus.DefBuckets,
		},
	)

	BloomFilterFalsePositiveEstimate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "haggled_bloomfilter_false_positive_estimate",
			Help: "This node's current Bloom filter estimated false-positive rate",
		},
	)

	StoreQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "haggled_store_query_duration_seconds",
			Help:    "Time taken to service an asynchronous data store operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		NeighboursTotal,
		InterfacesUpTotal,
		RIBEntriesTotal,
		DataObjectsStoredTotal,
		DataObjectsForwardedTotal,
		DataObjectsDroppedTotal,
		ConnectionsTotal,
		ConnectionAttemptsTotal,
		SendDuration,
		BloomFilterFalsePositiveEstimate,
		StoreQueryDuration,
	)
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an in-flight operation for later recording to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
