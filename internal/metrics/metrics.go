// Package metrics holds the prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "replmux"

// Command execution modes.
const (
	ModeRun    = "run"
	ModeSubmit = "submit"
)

var (
	// SessionsLive is the number of sessions currently registered.
	SessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "number of live scripting sessions",
	})

	// SessionsCreated counts every session ever created.
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "number of scripting sessions created",
	})

	// CommandsTotal counts evaluated commands by mode.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "number of commands evaluated",
	}, []string{"mode"})

	// EvalErrorsTotal counts commands the engine rejected.
	EvalErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eval_errors_total",
		Help:      "number of commands that failed to evaluate",
	})

	// ClientsConnected is the number of open WebSocket connections.
	ClientsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "number of connected websocket clients",
	})

	// AuthFailures counts rejected credentials.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_failures_total",
		Help:      "number of rejected authentication attempts",
	})
)

// Register registers every collector with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		SessionsLive,
		SessionsCreated,
		CommandsTotal,
		EvalErrorsTotal,
		ClientsConnected,
		AuthFailures,
	)
}
