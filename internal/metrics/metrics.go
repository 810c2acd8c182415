// Package metrics exposes Prometheus collectors for the connection state
// machine and the session service facade.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netsession"

var (
	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Completed connection state transitions",
	}, []string{"from", "to"})

	illegalTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "illegal_transitions_total",
		Help:      "Transitions refused because they are not in the transition table",
	}, []string{"from", "to"})

	currentState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "state",
		Help:      "Active connection state (1 for the current state, 0 otherwise)",
	}, []string{"state"})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnect_attempts_total",
		Help:      "Client reconnection attempts started",
	})

	cooldownRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_cooldown_rejections_total",
		Help:      "Session service calls refused locally by an active cooldown",
	}, []string{"operation"})

	serviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_service_errors_total",
		Help:      "Failed session service calls by operation and error kind",
	}, []string{"operation", "kind"})

	approvalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approval_decisions_total",
		Help:      "Connection approval outcomes by status",
	}, []string{"status"})

	connectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_clients",
		Help:      "Clients currently registered as connected",
	})

	serviceReachable = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_service_reachable",
		Help:      "1 when the last session service ping succeeded",
	})

	purgedPlayers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_purged_players_total",
		Help:      "Disconnected players dropped from the registry for staleness",
	})
)

// RecordTransition counts a completed transition and updates the state gauge.
func RecordTransition(from, to string, all []string) {
	stateTransitions.WithLabelValues(from, to).Inc()
	SetState(to, all)
}

// SetState marks current as the active state among all.
func SetState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

// RecordIllegalTransition counts a refused transition.
func RecordIllegalTransition(from, to string) {
	illegalTransitions.WithLabelValues(from, to).Inc()
}

// IncReconnectAttempt counts one reconnection attempt.
func IncReconnectAttempt() {
	reconnectAttempts.Inc()
}

// IncCooldownRejection counts a call refused by a local cooldown.
func IncCooldownRejection(operation string) {
	cooldownRejections.WithLabelValues(operation).Inc()
}

// IncServiceError counts a failed remote session call.
func IncServiceError(operation, kind string) {
	if kind == "" {
		kind = "unknown"
	}
	serviceErrors.WithLabelValues(operation, kind).Inc()
}

// IncApproval counts an approval decision.
func IncApproval(status string) {
	approvalDecisions.WithLabelValues(status).Inc()
}

// SetConnectedClients sets the connected client gauge.
func SetConnectedClients(n int) {
	connectedClients.Set(float64(n))
}

// SetServiceReachable records the outcome of the last service ping.
func SetServiceReachable(ok bool) {
	if ok {
		serviceReachable.Set(1)
		return
	}
	serviceReachable.Set(0)
}

// AddPurgedPlayers counts players dropped by a registry purge.
func AddPurgedPlayers(n int) {
	purgedPlayers.Add(float64(n))
}
