package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for deployments.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deploymentsStarted  *prometheus.CounterVec
	deploymentsFinished *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec

	// Stage metrics
	stageAttempts    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageFailedHosts *prometheus.GaugeVec

	// Snapshot and drift metrics
	snapshotsTaken *prometheus.CounterVec
	driftItems     *prometheus.CounterVec
	inconsistent   *prometheus.GaugeVec

	idempotenceScore *prometheus.GaugeVec

	errorsByKind *prometheus.CounterVec

	hardwareTier *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deploymentsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_started_total",
				Help:      "Total number of deployment runs started",
			},
			[]string{"plan", "mode"},
		),
		deploymentsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_finished_total",
				Help:      "Total number of deployment runs finished by final status",
			},
			[]string{"plan", "status"},
		),
		deploymentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Duration of deployment runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stageAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_attempts_total",
				Help:      "Total number of stage attempts by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage execution in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "status"},
		),
		stageFailedHosts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stage_failed_hosts",
				Help:      "Number of hosts that failed in the last attempt of a stage",
			},
			[]string{"stage"},
		),

		snapshotsTaken: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshots captured",
			},
			[]string{"label", "partial"},
		),
		driftItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_items_total",
				Help:      "Total number of drift items detected",
			},
			[]string{"category", "severity"},
		),
		inconsistent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inconsistent_keys",
				Help:      "Number of keys with differing values across hosts in the last check",
			},
			[]string{"snapshot"},
		),

		idempotenceScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "idempotence_score",
				Help:      "Last idempotence score (0-100)",
			},
			[]string{"plan", "stage"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by kind and code",
			},
			[]string{"kind", "code"},
		),

		hardwareTier: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hardware_tier_info",
				Help:      "Hardware tier selected for tuning (value is always 1)",
			},
			[]string{"tier"},
		),
	}

	collectors := []prometheus.Collector{
		m.deploymentsStarted,
		m.deploymentsFinished,
		m.deploymentDuration,
		m.stageAttempts,
		m.stageDuration,
		m.stageFailedHosts,
		m.snapshotsTaken,
		m.driftItems,
		m.inconsistent,
		m.idempotenceScore,
		m.errorsByKind,
		m.hardwareTier,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDeploymentStarted records the start of a deployment run.
func (m *Metrics) RecordDeploymentStarted(plan, mode string) {
	if m.deploymentsStarted == nil {
		return
	}
	m.deploymentsStarted.WithLabelValues(plan, mode).Inc()
}

// RecordDeploymentFinished records the final status of a deployment run.
func (m *Metrics) RecordDeploymentFinished(plan, status string, duration time.Duration) {
	if m.deploymentsFinished == nil {
		return
	}
	m.deploymentsFinished.WithLabelValues(plan, status).Inc()
	m.deploymentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordStageAttempt records a single stage attempt and its failed host count.
func (m *Metrics) RecordStageAttempt(stage, outcome string, failedHosts int) {
	if m.stageAttempts == nil {
		return
	}
	m.stageAttempts.WithLabelValues(stage, outcome).Inc()
	m.stageFailedHosts.WithLabelValues(stage).Set(float64(failedHosts))
}

// RecordStageFinished records the duration of a finished stage.
func (m *Metrics) RecordStageFinished(stage, status string, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordSnapshot records a captured snapshot.
func (m *Metrics) RecordSnapshot(label string, partial bool) {
	if m.snapshotsTaken == nil {
		return
	}
	m.snapshotsTaken.WithLabelValues(label, fmt.Sprintf("%t", partial)).Inc()
}

// RecordDriftItem records one drift item.
func (m *Metrics) RecordDriftItem(category, severity string) {
	if m.driftItems == nil {
		return
	}
	m.driftItems.WithLabelValues(category, severity).Inc()
}

// SetInconsistentKeys records the result of a consistency check.
func (m *Metrics) SetInconsistentKeys(snapshotLabel string, count int) {
	if m.inconsistent == nil {
		return
	}
	m.inconsistent.WithLabelValues(snapshotLabel).Set(float64(count))
}

// SetIdempotenceScore records an idempotence score.
func (m *Metrics) SetIdempotenceScore(plan, stage string, score int) {
	if m.idempotenceScore == nil {
		return
	}
	m.idempotenceScore.WithLabelValues(plan, stage).Set(float64(score))
}

// RecordError records an error by kind and code.
func (m *Metrics) RecordError(kind, code string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind, code).Inc()
}

// SetHardwareTier marks the tier used for tuning.
func (m *Metrics) SetHardwareTier(tier string) {
	if m.hardwareTier == nil {
		return
	}
	m.hardwareTier.Reset()
	m.hardwareTier.WithLabelValues(tier).Set(1)
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns nil
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", server.Addr).Msg("metrics server stopped")
		}
	}()

	return server
}

// Flush exports the registry to the configured textfile and Pushgateway.
func (m *Metrics) Flush(ctx context.Context) error {
	if m.registry == nil {
		return nil
	}

	var errs []error
	if m.config.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics textfile: %w", err))
		}
	}
	if m.config.PushgatewayURL != "" {
		job := m.config.PushJob
		if job == "" {
			job = m.config.Namespace
		}
		pusher := push.New(m.config.PushgatewayURL, job).Gatherer(m.registry)
		if err := pusher.PushContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to push metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
