// Package metrics exposes chatrelay's Prometheus collectors. Each Collector
// owns its own registry so several hubs (and tests) can coexist in a process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Collector aggregates the relay's counters and gauges.
type Collector struct {
	registry  *prometheus.Registry
	startTime time.Time

	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	MessagesTotal     *prometheus.CounterVec
	StoreErrors       prometheus.Counter
	UploadErrors      prometheus.Counter
	UploadBytes       prometheus.Counter
	DroppedClients    prometheus.Counter
	RateLimited       prometheus.Counter
	HTTPRequests      *prometheus.CounterVec
}

// New builds a collector with Go runtime and process collectors attached.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently connected WebSocket clients.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "WebSocket connections accepted since start.",
		}),
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages persisted and broadcast, by type.",
		}, []string{"type"}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed message log operations.",
		}),
		UploadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_errors_total",
			Help:      "Uploads that could not be written to disk.",
		}),
		UploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes written by successful uploads.",
		}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_clients_total",
			Help:      "Clients disconnected because their send queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_events_total",
			Help:      "Client events discarded by the per-connection rate limit.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since start in seconds.",
	}, func() float64 { return c.Uptime().Seconds() })

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		uptime,
		c.ConnectionsActive,
		c.ConnectionsTotal,
		c.MessagesTotal,
		c.StoreErrors,
		c.UploadErrors,
		c.UploadBytes,
		c.DroppedClients,
		c.RateLimited,
		c.HTTPRequests,
	)
	return c
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Handler renders the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
