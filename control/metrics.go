package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the Prometheus collectors shared across every engine the
// bridge runs: channel lifecycle, per-engine back-pressure, REST polling,
// and the DBus cache's batch/barrier queues. A nil *Metrics is valid and
// every method becomes a no-op, so no component requires a metrics
// backend to function.
type Metrics struct {
	openChannels prometheus.Gauge
	pressure     *prometheus.CounterVec
	restInFlight prometheus.Gauge
	cacheBatches prometheus.Gauge
	cacheBarriers prometheus.Gauge
}

// NewMetrics constructs a Metrics instance and registers its collectors
// with reg. Passing prometheus.NewRegistry() isolates the bridge's series
// from the default global registry; passing nil uses the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		openChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_channels_open",
			Help: "Number of channels currently open.",
		}),
		pressure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_pressure_edges_total",
			Help: "Count of back-pressure on/off transitions, by engine.",
		}, []string{"engine"}),
		restInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_rest_requests_in_flight",
			Help: "Number of REST/JSON requests currently awaiting a reply.",
		}),
		cacheBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_dbuscache_batches_outstanding",
			Help: "Number of DBus cache batches not yet fully resolved.",
		}),
		cacheBarriers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_dbuscache_barriers_pending",
			Help: "Number of DBus cache barrier callbacks waiting on outstanding batches.",
		}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.openChannels, m.pressure, m.restInFlight, m.cacheBatches, m.cacheBarriers)
	return m
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.openChannels.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.openChannels.Dec()
}

// PressureEdge records a back-pressure on/off transition for engine
// ("wsproto", "channel", "restjson", ...).
func (m *Metrics) PressureEdge(engine string) {
	if m == nil {
		return
	}
	m.pressure.WithLabelValues(engine).Inc()
}

func (m *Metrics) RESTRequestStarted() {
	if m == nil {
		return
	}
	m.restInFlight.Inc()
}

func (m *Metrics) RESTRequestFinished() {
	if m == nil {
		return
	}
	m.restInFlight.Dec()
}

func (m *Metrics) SetCacheQueueDepth(batches, barriers int) {
	if m == nil {
		return
	}
	m.cacheBatches.Set(float64(batches))
	m.cacheBarriers.Set(float64(barriers))
}
