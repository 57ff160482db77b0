package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cerno"
	subsystem = "orchestrator"
)

// Metrics exposes Prometheus collectors that report run activity.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	tasks       *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	costUSD     prometheus.Counter
	runsActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global Prometheus
// registry, creating it on first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the orchestrator collectors with reg and panics
// on any registration error other than an identical collector already being
// present, in which case the existing one is reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Plan runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a plan run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_total",
			Help:      "Executed plan tasks by agent and status.",
		}, []string{"agent", "status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_total",
			Help:      "Model tokens consumed by plan runs.",
		}, []string{"direction"}),
		costUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "estimated_cost_usd_total",
			Help:      "Estimated model spend of plan runs.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_active",
			Help:      "Plan runs currently executing.",
		}),
	}
	m.runs = register(reg, m.runs)
	m.runDuration = register(reg, m.runDuration)
	m.tasks = register(reg, m.tasks)
	m.tokens = register(reg, m.tokens)
	m.costUSD = register(reg, m.costUSD)
	m.runsActive = register(reg, m.runsActive)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) runFinished(outcome string, d time.Duration, in, out int, usd float64) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(d.Seconds())
	m.tokens.WithLabelValues("input").Add(float64(in))
	m.tokens.WithLabelValues("output").Add(float64(out))
	if usd > 0 {
		m.costUSD.Add(usd)
	}
}

func (m *Metrics) taskFinished(agent string, ok bool) {
	if m == nil {
		return
	}
	status := "failed"
	if ok {
		status = "success"
	}
	m.tasks.WithLabelValues(agent, status).Inc()
}
