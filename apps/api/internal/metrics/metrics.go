// Package metrics exposes panel metrics on a private prometheus registry.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nebula-panel/nebula/packages/lib/failure"
)

const namespace = "nebula"

type Metrics struct {
	registry *prometheus.Registry

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec

	cpuPercent    prometheus.Gauge
	memoryPercent prometheus.Gauge
	diskPercent   prometheus.Gauge
	load1         prometheus.Gauge
	sampleErrors  prometheus.Counter
	lastSample    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Provisioning operations by resource, operation and outcome.",
		}, []string{"resource", "operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Provisioning operation latency.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"resource", "operation"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by method and status.",
		}, []string{"method", "status"}),
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "cpu_percent", Help: "CPU utilisation at the last sample.",
		}),
		memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "memory_percent", Help: "Memory utilisation at the last sample.",
		}),
		diskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "disk_percent", Help: "Root filesystem utilisation at the last sample.",
		}),
		load1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "host", Name: "load1", Help: "One minute load average at the last sample.",
		}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "errors_total", Help: "Failed host samples.",
		}),
		lastSample: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sampler", Name: "last_success_timestamp_seconds", Help: "Unix time of the last good sample.",
		}),
	}
	m.registry.MustRegister(
		m.operations, m.operationDuration, m.httpRequests,
		m.cpuPercent, m.memoryPercent, m.diskPercent, m.load1, m.sampleErrors, m.lastSample,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe records one operation. The outcome label is the error kind, or
// "ok".
func (m *Metrics) Observe(resource, operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = failure.Kind(err)
	}
	m.operations.WithLabelValues(resource, operation, outcome).Inc()
	m.operationDuration.WithLabelValues(resource, operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) HTTPRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) HostSample(cpu, memory, disk, load float64, at time.Time) {
	if m == nil {
		return
	}
	m.cpuPercent.Set(cpu)
	m.memoryPercent.Set(memory)
	m.diskPercent.Set(disk)
	m.load1.Set(load)
	m.lastSample.Set(float64(at.Unix()))
}

func (m *Metrics) SampleFailed() {
	if m == nil {
		return
	}
	m.sampleErrors.Inc()
}
