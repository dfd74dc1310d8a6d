// Package metrics exposes treasury activity to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

const subsystem = "treasury"

var _ domain.EventSink = (*Exporter)(nil)

// Exporter counts committed events and serves gauges registered with
// Gauge. Each Exporter owns its registry.
type Exporter struct {
	namespace string
	registry  *prometheus.Registry
	events    *prometheus.CounterVec
	sinkErrs  *prometheus.CounterVec

	mu     sync.Mutex
	gauges map[string]bool
}

// NewExporter creates an Exporter with Go and process collectors registered.
func NewExporter(namespace string) *Exporter {
	if namespace == "" {
		namespace = "dao"
	}
	reg := prometheus.NewRegistry()
	e := &Exporter{
		namespace: namespace,
		registry:  reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Committed events by stream and type.",
		}, []string{"stream", "type"}),
		sinkErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sink_errors_total",
			Help:      "Event sink delivery failures by sink.",
		}, []string{"sink"}),
		gauges: make(map[string]bool),
	}
	reg.MustRegister(
		e.events,
		e.sinkErrs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

// Name identifies the sink in logs.
func (e *Exporter) Name() string { return "prometheus" }

// Handle counts ev.
func (e *Exporter) Handle(_ context.Context, ev domain.Event) error {
	e.events.WithLabelValues(ev.Stream, ev.Type).Inc()
	return nil
}

// SinkFailed counts a failed delivery to the named sink.
func (e *Exporter) SinkFailed(sink string) {
	e.sinkErrs.WithLabelValues(sink).Inc()
}

// Gauge registers a gauge whose value is read from fn at scrape time.
// Registering the same name twice is a no-op.
func (e *Exporter) Gauge(name, help string, fn func() float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gauges[name] {
		return
	}
	e.gauges[name] = true
	e.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: e.namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the registry backing the exporter.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}
