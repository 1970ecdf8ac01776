// Package metrics exports Prometheus collectors for the decision engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fallback reasons reported through Metrics.Fallback.
const (
	FallbackJudgeScore       = "judge_score"
	FallbackCategory         = "category"
	FallbackItem             = "item"
	FallbackEmptyFilter      = "empty_filter"
	FallbackPersistence      = "persistence"
	FallbackAnalyzer         = "analyzer"
	FallbackMessageCount     = "message_count"
	FallbackCandidateLoading = "candidate_loading"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns       *prometheus.CounterVec
	turnLatency prometheus.Histogram

	judgeCalls   *prometheus.CounterVec
	judgeLatency *prometheus.HistogramVec

	fallbacks   *prometheus.CounterVec
	warmth      *prometheus.CounterVec
	ctaTriggers prometheus.Counter
}

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twin",
			Name:      "turns_total",
			Help:      "Turns processed, by outcome.",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "twin",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock time spent deciding a turn.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		judgeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twin",
			Name:      "judge_calls_total",
			Help:      "Judge calls, by kind (score, select) and outcome.",
		}, []string{"kind", "outcome"}),
		judgeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "twin",
			Name:      "judge_duration_seconds",
			Help:      "Judge call latency.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twin",
			Name:      "fallbacks_total",
			Help:      "Recovered failures, by reason.",
		}, []string{"reason"}),
		warmth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twin",
			Name:      "warmth_classified_total",
			Help:      "User messages by classified warmth level.",
		}, []string{"level"}),
		ctaTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twin",
			Name:      "cta_triggers_total",
			Help:      "Turns on which the call to action became eligible.",
		}),
	}

	reg.MustRegister(
		m.turns,
		m.turnLatency,
		m.judgeCalls,
		m.judgeLatency,
		m.fallbacks,
		m.warmth,
		m.ctaTriggers,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTurn records a finished turn.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnLatency.Observe(d.Seconds())
}

// ObserveJudge records a judge call.
func (m *Metrics) ObserveJudge(kind string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.judgeCalls.WithLabelValues(kind, outcome).Inc()
	m.judgeLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// Fallback counts a recovered failure.
func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

// Warmth counts a classified message.
func (m *Metrics) Warmth(level int) {
	if m == nil {
		return
	}
	m.warmth.WithLabelValues(strconv.Itoa(level)).Inc()
}

// CTA counts a call-to-action trigger.
func (m *Metrics) CTA() {
	if m == nil {
		return
	}
	m.ctaTriggers.Inc()
}
