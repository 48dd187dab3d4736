package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth     *prometheus.GaugeVec
	submitTotal    *prometheus.CounterVec
	turnTotal      *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnTokens     *prometheus.CounterVec
	activeTurns    prometheus.Gauge
	activeSessions prometheus.Gauge

	stateTransitions   *prometheus.CounterVec
	restartTotal       *prometheus.CounterVec
	connectionFailures *prometheus.CounterVec

	toolInvocationTotal *prometheus.CounterVec
	toolDecisionTotal   *prometheus.CounterVec
	pendingApprovals    prometheus.Gauge

	gatewayRequestTotal    *prometheus.CounterVec
	gatewayRequestDuration *prometheus.HistogramVec
	gatewayClients         prometheus.Gauge

	ledgerWriteDuration prometheus.Histogram
	jobRunTotal         *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_depth",
					Help: "Requests waiting per session.",
				},
				[]string{"session"},
			),
			submitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "submit_total",
					Help: "Total requests submitted by session.",
				},
				[]string{"session"},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_total",
					Help: "Total turns completed by status.",
				},
				[]string{"status"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "turn_duration_seconds",
					Help:    "Turn duration in seconds by status.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"status"},
			),
			turnTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "turn_tokens_total",
					Help: "Total tokens consumed by kind.",
				},
				[]string{"kind"},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_turns",
					Help: "Turns currently executing across all sessions.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current live session count.",
				},
			),
			stateTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_state_transitions_total",
					Help: "Session lifecycle transitions by edge.",
				},
				[]string{"from", "to"},
			),
			restartTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_restart_total",
					Help: "Connection restarts by reason.",
				},
				[]string{"reason"},
			),
			connectionFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "connection_failures_total",
					Help: "Connection failures by phase (start, stream).",
				},
				[]string{"phase"},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_invocation_total",
					Help: "Tool invocations observed by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolDecisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_decision_total",
					Help: "Tool permission decisions by verdict.",
				},
				[]string{"verdict"},
			),
			pendingApprovals: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pending_approvals",
					Help: "Tool permission requests awaiting a decision.",
				},
			),
			gatewayRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_request_total",
					Help: "Gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "gateway_request_duration_seconds",
					Help:    "Gateway RPC handling duration in seconds by method.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_clients",
					Help: "Connected gateway clients.",
				},
			),
			ledgerWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ledger_write_duration_seconds",
					Help:    "Usage ledger write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			jobRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_run_total",
					Help: "Scheduled job submissions by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.submitTotal,
			m.turnTotal,
			m.turnDuration,
			m.turnTokens,
			m.activeTurns,
			m.activeSessions,
			m.stateTransitions,
			m.restartTotal,
			m.connectionFailures,
			m.toolInvocationTotal,
			m.toolDecisionTotal,
			m.pendingApprovals,
			m.gatewayRequestTotal,
			m.gatewayRequestDuration,
			m.gatewayClients,
			m.ledgerWriteDuration,
			m.jobRunTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordSubmit(session string, queueDepth int) {
	m := getMetrics()
	m.submitTotal.WithLabelValues(session).Inc()
	m.queueDepth.WithLabelValues(session).Set(float64(queueDepth))
}

func SetQueueDepth(session string, queueDepth int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(session).Set(float64(queueDepth))
}

func RecordTurn(status string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordTurnTokens(input, output, cacheRead, cacheCreation int64) {
	m := getMetrics()
	m.turnTokens.WithLabelValues("input").Add(float64(input))
	m.turnTokens.WithLabelValues("output").Add(float64(output))
	m.turnTokens.WithLabelValues("cache_read").Add(float64(cacheRead))
	m.turnTokens.WithLabelValues("cache_creation").Add(float64(cacheCreation))
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

func TurnFinished() {
	getMetrics().activeTurns.Dec()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordStateTransition(from, to string) {
	getMetrics().stateTransitions.WithLabelValues(from, to).Inc()
}

func RecordRestart(reason string) {
	getMetrics().restartTotal.WithLabelValues(reason).Inc()
}

func RecordConnectionFailure(phase string) {
	getMetrics().connectionFailures.WithLabelValues(phase).Inc()
}

func RecordToolInvocation(tool, outcome string) {
	getMetrics().toolInvocationTotal.WithLabelValues(tool, outcome).Inc()
}

func RecordToolDecision(verdict string) {
	getMetrics().toolDecisionTotal.WithLabelValues(verdict).Inc()
}

func SetPendingApprovals(count int) {
	getMetrics().pendingApprovals.Set(float64(count))
}

func RecordGatewayRequest(method string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.gatewayRequestTotal.WithLabelValues(method, status).Inc()
	m.gatewayRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func RecordLedgerWrite(duration time.Duration) {
	getMetrics().ledgerWriteDuration.Observe(duration.Seconds())
}

func RecordJobRun(status string) {
	getMetrics().jobRunTotal.WithLabelValues(status).Inc()
}
