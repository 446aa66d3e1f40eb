// Package metrics provides Prometheus instrumentation for the keeper.
//
// Metrics exposed:
//   - modelkeeper_cycles_total: Counter of finished cycles by status and error kind
//   - modelkeeper_cycle_duration_seconds: Histogram of cycle duration
//   - modelkeeper_stage_duration_seconds: Histogram of pipeline stage duration by stage and result
//   - modelkeeper_validation_improvement: Gauge of the last relative improvement per model
//   - modelkeeper_validation_passed: Gauge (0/1) of the last validation verdict per model
//   - modelkeeper_promotions_total: Counter of promotions by result
//   - modelkeeper_rollbacks_total: Counter of rollbacks by result
//   - modelkeeper_production_models: Gauge of models in production
//   - modelkeeper_scheduler_state: Gauge (0/1) per scheduler state
//   - modelkeeper_last_cycle_timestamp_seconds: Gauge of the last finished cycle
//   - modelkeeper_errors_total: Counter of errors by component and reason
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/scheduler"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

// Metrics holds all Prometheus metrics for the keeper. It implements
// cycle.Recorder.
type Metrics struct {
	CyclesTotal           *prometheus.CounterVec
	CycleDurationSeconds  prometheus.Histogram
	StageDurationSeconds  *prometheus.HistogramVec
	ValidationImprovement *prometheus.GaugeVec
	ValidationPassed      *prometheus.GaugeVec
	PromotionsTotal       *prometheus.CounterVec
	RollbacksTotal        *prometheus.CounterVec
	ProductionModels      prometheus.Gauge
	SchedulerState        *prometheus.GaugeVec
	LastCycleTimestamp    prometheus.Gauge
	ErrorsTotal           *prometheus.CounterVec
}

// stageBuckets span quick HTTP triggers up to multi-hour training runs.
var stageBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200}

// New creates the metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelkeeper_cycles_total",
			Help: "Finished training cycles by status and error kind",
		}, []string{"status", "error_kind"}),

		CycleDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelkeeper_cycle_duration_seconds",
			Help:    "Duration of a full training cycle",
			Buckets: stageBuckets,
		}),

		StageDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelkeeper_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: stageBuckets,
		}, []string{"stage", "result"}),

		ValidationImprovement: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelkeeper_validation_improvement",
			Help: "Relative improvement of the last candidate over production",
		}, []string{"model", "metric"}),

		ValidationPassed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelkeeper_validation_passed",
			Help: "Whether the last candidate passed validation (1) or not (0)",
		}, []string{"model"}),

		PromotionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelkeeper_promotions_total",
			Help: "Promotions by result",
		}, []string{"result"}),

		RollbacksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelkeeper_rollbacks_total",
			Help: "Rollbacks by result",
		}, []string{"result"}),

		ProductionModels: f.NewGauge(prometheus.GaugeOpts{
			Name: "modelkeeper_production_models",
			Help: "Models currently in production",
		}),

		SchedulerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelkeeper_scheduler_state",
			Help: "Current scheduler state (1 for the active state)",
		}, []string{"state"}),

		LastCycleTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Name: "modelkeeper_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "modelkeeper_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordCycle records a finished cycle.
func (m *Metrics) RecordCycle(status report.Status, kind report.ErrorKind, d time.Duration) {
	m.CyclesTotal.WithLabelValues(string(status), string(kind)).Inc()
	m.CycleDurationSeconds.Observe(d.Seconds())
	m.LastCycleTimestamp.SetToCurrentTime()
	if kind != "" {
		m.RecordError("cycle", string(kind))
	}
}

// RecordStage records one pipeline stage run.
func (m *Metrics) RecordStage(stage string, d time.Duration, err error) {
	m.StageDurationSeconds.WithLabelValues(stage, result(err)).Observe(d.Seconds())
	if err != nil {
		kind, _ := report.Classify(err)
		m.RecordError("stage_"+stage, string(kind))
	}
}

// RecordValidation records the verdict for one model.
func (m *Metrics) RecordValidation(r validator.Result) {
	passed := 0.0
	if r.Passed {
		passed = 1
	}
	m.ValidationPassed.WithLabelValues(r.ModelName).Set(passed)
	if r.Error == "" && !r.ColdStart {
		m.ValidationImprovement.WithLabelValues(r.ModelName, r.Metric).Set(r.Improvement)
	}
}

// RecordPromotion records a promotion attempt.
func (m *Metrics) RecordPromotion(err error) {
	m.PromotionsTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		kind, _ := report.Classify(err)
		m.RecordError("promotion", string(kind))
	}
}

// RecordRollback records a rollback attempt.
func (m *Metrics) RecordRollback(err error) {
	m.RollbacksTotal.WithLabelValues(result(err)).Inc()
}

// SetProductionModels sets the number of production models.
func (m *Metrics) SetProductionModels(n int) {
	m.ProductionModels.Set(float64(n))
}

// SetSchedulerState marks state as the active scheduler state.
func (m *Metrics) SetSchedulerState(state string) {
	for _, s := range []string{scheduler.StateIdle, scheduler.StateRunning, scheduler.StateBackoff} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SchedulerState.WithLabelValues(s).Set(v)
	}
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
