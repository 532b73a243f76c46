// Package metrics owns the process-wide runtime counters and gauges. The
// registry is created by main and passed down; tests build their own so they
// can run in parallel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the runtime metric set.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec // by request type
	RPCCallsTotal       *prometheus.CounterVec // by direction: in|out
	PersWritesTotal     prometheus.Counter
	PersErrorsTotal     prometheus.Counter
	SessionsOpenedTotal prometheus.Counter

	LiveObjects    prometheus.Gauge
	RequestQueues  prometheus.Gauge
	SessionsActive prometheus.Gauge
}

// New creates a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gs_requests_total",
			Help: "Requests processed, by request type.",
		}, []string{"type"}),
		RPCCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gs_rpc_calls_total",
			Help: "Inter-GS RPC calls, by direction.",
		}, []string{"direction"}),
		PersWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gs_pers_writes_total",
			Help: "Records written to the storage driver.",
		}),
		PersErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gs_pers_errors_total",
			Help: "Storage driver errors.",
		}),
		SessionsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gs_sessions_opened_total",
			Help: "Client sessions accepted.",
		}),
		LiveObjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gs_live_objects",
			Help: "Entities in the live cache.",
		}),
		RequestQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gs_request_queues",
			Help: "Registered request queues.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gs_sessions_active",
			Help: "Open client sessions.",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RPCCallsTotal,
		m.PersWritesTotal, m.PersErrorsTotal, m.SessionsOpenedTotal,
		m.LiveObjects, m.RequestQueues, m.SessionsActive,
	)
	return m
}

// Handler serves the registry over HTTP for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
