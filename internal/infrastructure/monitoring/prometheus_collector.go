package monitoring

import (
	"time"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector exports peer session lifecycle metrics.
type PrometheusCollector struct {
	// Gauges
	sessionsActive *prometheus.GaugeVec
	sessionsState  *prometheus.GaugeVec

	// Counters
	restartsTotal     *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	candidatesBuffer  prometheus.Counter
	candidateFailures *prometheus.CounterVec
	qualityAdapted    *prometheus.CounterVec

	// Histograms
	connectDuration *prometheus.HistogramVec
}

var _ ports.SessionMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		sessionsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classmesh_sessions_active",
			Help: "Number of live peer sessions",
		}, []string{"role"}),

		sessionsState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "classmesh_sessions_by_state",
			Help: "Number of peer sessions in each negotiation state",
		}, []string{"state"}),

		restartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_ice_restarts_total",
			Help: "Total number of ICE restart offers published",
		}, []string{"role"}),

		failuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_session_failures_total",
			Help: "Total number of sessions that exhausted reconnection",
		}, []string{"role"}),

		candidatesBuffer: factory.NewCounter(prometheus.CounterOpts{
			Name: "classmesh_candidates_buffered_total",
			Help: "Total number of remote candidates buffered before the remote description",
		}),

		candidateFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_candidate_apply_failures_total",
			Help: "Total number of failed candidate applications",
		}, []string{"outcome"}),

		qualityAdapted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classmesh_quality_adaptations_total",
			Help: "Total number of degradation preference changes",
		}, []string{"preference"}),

		connectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "classmesh_session_connect_duration_seconds",
			Help:    "Time from session start to first connected state",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"role"}),
	}
}

func (p *PrometheusCollector) SessionStarted(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Inc()
	p.sessionsState.WithLabelValues(string(domain.StateNew)).Inc()
}

func (p *PrometheusCollector) SessionEnded(role domain.SessionRole) {
	p.sessionsActive.WithLabelValues(string(role)).Dec()
}

func (p *PrometheusCollector) StateChanged(from, to domain.SessionState) {
	p.sessionsState.WithLabelValues(string(from)).Dec()
	if to != domain.StateClosed {
		p.sessionsState.WithLabelValues(string(to)).Inc()
	}
}

func (p *PrometheusCollector) Connected(role domain.SessionRole, elapsed time.Duration) {
	p.connectDuration.WithLabelValues(string(role)).Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) RestartIssued(role domain.SessionRole) {
	p.restartsTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) SessionFailed(role domain.SessionRole) {
	p.failuresTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) CandidateBuffered() {
	p.candidatesBuffer.Inc()
}

func (p *PrometheusCollector) CandidateApplyFailed(dropped bool) {
	outcome := "retried"
	if dropped {
		outcome = "dropped"
	}
	p.candidateFailures.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) QualityAdapted(pref domain.DegradationPreference) {
	p.qualityAdapted.WithLabelValues(string(pref)).Inc()
}
