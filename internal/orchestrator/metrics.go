package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for orchestration runs. A nil
// *Metrics records nothing.
type Metrics struct {
	routerDecisions *prometheus.CounterVec
	plans           *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	runsActive      prometheus.Gauge
	runs            *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		routerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nuka",
			Subsystem: "orchestrator",
			Name:      "router_decisions_total",
			Help:      "Router classifications by decision and whether the fallback was used.",
		}, []string{"decision", "fallback"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nuka",
			Subsystem: "orchestrator",
			Name:      "plans_total",
			Help:      "Planning outcomes.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nuka",
			Subsystem: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Expert task execution time.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"expert", "status"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nuka",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Start and Resume calls currently executing.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nuka",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Finished Start and Resume calls by final status.",
		}, []string{"status"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nuka",
			Subsystem: "persist",
			Name:      "failures_total",
			Help:      "Background persistence jobs that failed or were dropped.",
		}),
	}

	register := func(c prometheus.Collector) prometheus.Collector {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector
			}
			panic(err)
		}
		return c
	}
	m.routerDecisions = register(m.routerDecisions).(*prometheus.CounterVec)
	m.plans = register(m.plans).(*prometheus.CounterVec)
	m.taskDuration = register(m.taskDuration).(*prometheus.HistogramVec)
	m.runsActive = register(m.runsActive).(prometheus.Gauge)
	m.runs = register(m.runs).(*prometheus.CounterVec)
	m.persistFailures = register(m.persistFailures).(prometheus.Counter)
	return m
}

func (m *Metrics) routerDecision(decision string, fallback bool) {
	if m == nil {
		return
	}
	fb := "false"
	if fallback {
		fb = "true"
	}
	m.routerDecisions.WithLabelValues(decision, fb).Inc()
}

func (m *Metrics) plan(outcome string) {
	if m == nil {
		return
	}
	m.plans.WithLabelValues(outcome).Inc()
}

// ObserveTask records one finished task.
func (m *Metrics) ObserveTask(expertType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(expertType, status).Observe(took.Seconds())
}

// PersistFailed counts a failed background write.
func (m *Metrics) PersistFailed(string) {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) runStarted() func(status string) {
	if m == nil {
		return func(string) {}
	}
	m.runsActive.Inc()
	return func(status string) {
		m.runsActive.Dec()
		m.runs.WithLabelValues(status).Inc()
	}
}
