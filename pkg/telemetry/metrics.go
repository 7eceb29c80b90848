package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/declman/declman/pkg/engine"
)

// Metrics records run, phase and build metrics on a private registry. A
// disabled instance accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastRun       prometheus.Gauge
	lastStatus    *prometheus.GaugeVec

	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec

	builds *prometheus.CounterVec

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a run in seconds",
				Buckets:   buckets,
			},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
		lastStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_status",
				Help:      "1 for the status of the last run, 0 otherwise",
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of a run phase in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		phaseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_errors_total",
				Help:      "Total number of phases that ended in an error",
			},
			[]string{"phase", "code"},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "package_builds_total",
				Help:      "Foreign packages by final build state",
			},
			[]string{"state"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsCompleted, m.runDuration, m.lastRun, m.lastStatus,
		m.phaseDuration, m.phaseErrors, m.builds,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// ObservePhase records the duration of a phase and whether it failed.
func (m *Metrics) ObservePhase(phase engine.Phase, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(string(phase)).Observe(duration.Seconds())
	if err != nil {
		m.phaseErrors.WithLabelValues(string(phase), engine.CodeOf(err)).Inc()
	}
}

// ObserveBuild counts a package by its final build state.
func (m *Metrics) ObserveBuild(name string, state engine.BuildState) {
	if !m.enabled() {
		return
	}
	m.builds.WithLabelValues(string(state)).Inc()
}

// ObserveRun records the outcome of a run.
func (m *Metrics) ObserveRun(status engine.RunStatus, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.lastRun.SetToCurrentTime()
	for _, s := range []engine.RunStatus{engine.RunStatusClean, engine.RunStatusDegraded, engine.RunStatusFatal, engine.RunStatusAborted} {
		value := 0.0
		if s == status {
			value = 1
		}
		m.lastStatus.WithLabelValues(string(s)).Set(value)
	}
}

// Registry returns the registry metrics are recorded on, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every metric to the configured textfile. It does
// nothing when metrics or the textfile are disabled.
func (m *Metrics) WriteTextfile() error {
	if !m.enabled() || m.config.Textfile == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(m.config.Textfile, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
