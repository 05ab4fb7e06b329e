package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the auth flow and dispatch
// pipeline.
//
// Tracked:
//   - Authorization sessions started and completed, by outcome
//   - Token cache hits and misses
//   - Identity Directory call latency
//   - Dispatch envelopes accepted, deduplicated, and dropped
//   - Agent turn duration
//   - HTTP requests by handler and status
//
// All methods are safe to call on a nil receiver so components can treat
// metrics as optional.
type Metrics struct {
	// AuthSessionsStarted counts authorization sessions opened with the
	// Identity Directory. Reused sessions do not count.
	AuthSessionsStarted prometheus.Counter

	// AuthSessionsCompleted counts terminal session outcomes.
	// Labels: outcome (bound|expired|failed|identity_mismatch|not_found)
	AuthSessionsCompleted *prometheus.CounterVec

	// TokenCacheLookups counts cache lookups.
	// Labels: result (hit|miss)
	TokenCacheLookups *prometheus.CounterVec

	// DirectoryRequestDuration measures Identity Directory call latency.
	// Labels: operation (request_url|finalize|fetch_token), status
	DirectoryRequestDuration *prometheus.HistogramVec

	// DispatchEnvelopes counts ingress decisions.
	// Labels: decision (accepted|duplicate|filtered|dropped)
	DispatchEnvelopes *prometheus.CounterVec

	// AgentTurnDuration measures end-to-end worker turn latency in seconds.
	// Labels: status (success|auth_required|error)
	AgentTurnDuration *prometheus.HistogramVec

	// HTTPRequests counts HTTP requests.
	// Labels: handler, status_code
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers metrics with a specific registerer.
// Tests use this to avoid duplicate registration in the default registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mynion_auth_sessions_started_total",
			Help: "Total number of authorization sessions opened with the Identity Directory",
		}),
		AuthSessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mynion_auth_sessions_completed_total",
			Help: "Total number of authorization sessions reaching a terminal state, by outcome",
		}, []string{"outcome"}),
		TokenCacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mynion_token_cache_lookups_total",
			Help: "Total number of token cache lookups by result",
		}, []string{"result"}),
		DirectoryRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mynion_directory_request_duration_seconds",
			Help:    "Duration of Identity Directory requests in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"operation", "status"}),
		DispatchEnvelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mynion_dispatch_envelopes_total",
			Help: "Total number of ingress events by dispatch decision",
		}, []string{"decision"}),
		AgentTurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mynion_agent_turn_duration_seconds",
			Help:    "Duration of agent turns in seconds by status",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mynion_http_requests_total",
			Help: "Total number of HTTP requests by handler and status code",
		}, []string{"handler", "status_code"}),
	}
}

// SessionStarted records a newly opened authorization session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.AuthSessionsStarted.Inc()
}

// SessionCompleted records a terminal session outcome.
func (m *Metrics) SessionCompleted(outcome string) {
	if m == nil {
		return
	}
	m.AuthSessionsCompleted.WithLabelValues(outcome).Inc()
}

// CacheLookup records a token cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TokenCacheLookups.WithLabelValues(result).Inc()
}

// DirectoryRequest records a directory call observation.
func (m *Metrics) DirectoryRequest(operation, status string, seconds float64) {
	if m == nil {
		return
	}
	m.DirectoryRequestDuration.WithLabelValues(operation, status).Observe(seconds)
}

// Envelope records an ingress dispatch decision.
func (m *Metrics) Envelope(decision string) {
	if m == nil {
		return
	}
	m.DispatchEnvelopes.WithLabelValues(decision).Inc()
}

// AgentTurn records a completed worker turn.
func (m *Metrics) AgentTurn(status string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentTurnDuration.WithLabelValues(status).Observe(seconds)
}

// HTTPRequest records an HTTP request observation.
func (m *Metrics) HTTPRequest(handler, statusCode string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(handler, statusCode).Inc()
}
