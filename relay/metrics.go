package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for one relay process.
type Metrics struct {
	registry          *prometheus.Registry
	tagsIngestedTotal prometheus.Counter
	bytesOutTotal     prometheus.Counter
	disconnectsTotal  prometheus.Counter
	pushAttemptsTotal prometheus.Counter
	viewers           prometheus.Gauge
}

// NewMetrics creates and registers the relay metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	tagsIngestedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringcast_tags_ingested_total",
		Help: "Total number of FLV tags read from the ingest source",
	})
	bytesOutTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringcast_bytes_out_total",
		Help: "Total number of media bytes written to viewers",
	})
	disconnectsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringcast_disconnects_total",
		Help: "Total number of viewer disconnects, any reason",
	})
	pushAttemptsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringcast_push_attempts_total",
		Help: "Total number of push registration attempts",
	})
	viewers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringcast_viewers",
		Help: "Number of currently connected viewers",
	})

	registry.MustRegister(
		tagsIngestedTotal,
		bytesOutTotal,
		disconnectsTotal,
		pushAttemptsTotal,
		viewers,
	)

	return &Metrics{
		registry:          registry,
		tagsIngestedTotal: tagsIngestedTotal,
		bytesOutTotal:     bytesOutTotal,
		disconnectsTotal:  disconnectsTotal,
		pushAttemptsTotal: pushAttemptsTotal,
		viewers:           viewers,
	}
}

// IncTagsIngested counts one ingested tag.
func (m *Metrics) IncTagsIngested() { m.tagsIngestedTotal.Inc() }

// AddBytesOut counts bytes written to a viewer socket.
func (m *Metrics) AddBytesOut(n int) { m.bytesOutTotal.Add(float64(n)) }

// IncDisconnects counts one viewer disconnect.
func (m *Metrics) IncDisconnects() { m.disconnectsTotal.Inc() }

// IncPushAttempts counts one push registration attempt.
func (m *Metrics) IncPushAttempts() { m.pushAttemptsTotal.Inc() }

// SetViewers sets the connected-viewers gauge.
func (m *Metrics) SetViewers(n int) { m.viewers.Set(float64(n)) }

// Handler returns an http.Handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
