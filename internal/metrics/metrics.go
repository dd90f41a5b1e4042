// Package metrics 代理运行指标（Prometheus）
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "usbaudit"

// Metrics 每个服务实例一套，注册在自己的 Registry 上
type Metrics struct {
	Registry *prometheus.Registry

	EventsTotal       prometheus.Counter
	TransfersTotal    *prometheus.CounterVec
	AlertsTotal       *prometheus.CounterVec
	DevicesMounted    prometheus.Gauge
	Degraded          prometheus.Gauge
	BufferedEntries   prometheus.Gauge
	AppendFailures    prometheus.Counter
	DiscardedEvents   prometheus.Counter
	EnumerationErrors prometheus.Counter
	CaptureFailures   prometheus.Counter
}

// New 创建并注册全部指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		EventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fs_events_total",
			Help:      "Total number of raw file system events processed",
		}),
		TransfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of classified transfers by operation",
		}, []string{"operation"}),
		AlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alerts raised by kind and severity",
		}, []string{"kind", "severity"}),
		DevicesMounted: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_mounted",
			Help:      "Number of removable devices currently monitored",
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 when the audit log or device enumeration is failing",
		}),
		BufferedEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_entries",
			Help:      "Records waiting to be appended to the audit log",
		}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_append_failures_total",
			Help:      "Total number of failed audit log appends",
		}),
		DiscardedEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_events_total",
			Help:      "Raw events discarded when a drain timed out",
		}),
		EnumerationErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enumeration_errors_total",
			Help:      "Total number of failed device enumerations",
		}),
		CaptureFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_failures_total",
			Help:      "Total number of file capture sessions that failed to start or were interrupted",
		}),
	}
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// SetDegraded 布尔转 0/1
func (m *Metrics) SetDegraded(on bool) {
	if on {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}
