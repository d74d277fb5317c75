package worker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/elskow/buildshuttle/internal/pipeline/types"
)

const metricsNamespace = "buildshuttle"

type MetricsCollector struct {
	started  *prometheus.CounterVec
	finished *prometheus.CounterVec
	duration *prometheus.HistogramVec
	live     prometheus.Gauge

	mu     sync.Mutex
	starts map[string]time.Time
}

func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "builds_started_total",
			Help:      "Execution units provisioned, by backend.",
		}, []string{"backend"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "builds_finished_total",
			Help:      "Builds that reached a terminal status.",
		}, []string{"backend", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "build_duration_seconds",
			Help:      "Wall-clock time from provisioning to terminal status.",
			Buckets:   []float64{15, 30, 60, 120, 300, 600, 900, 1200, 1800},
		}, []string{"status"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "live_units",
			Help:      "Execution units currently supervised.",
		}),
		starts: make(map[string]time.Time),
	}

	if reg != nil {
		reg.MustRegister(mc.started, mc.finished, mc.duration, mc.live)
	}
	return mc
}

func (mc *MetricsCollector) StartBuild(buildID string, backend Kind) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.starts[buildID] = time.Now()
	mc.started.WithLabelValues(string(backend)).Inc()
	mc.live.Inc()
}

func (mc *MetricsCollector) EndBuild(buildID string, backend Kind, status types.BuildStatus) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.finished.WithLabelValues(string(backend), string(status)).Inc()
	if start, ok := mc.starts[buildID]; ok {
		mc.duration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
		delete(mc.starts, buildID)
		mc.live.Dec()
	}
}
