// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine reports to.
type Metrics struct {
	OperationsStarted   prometheus.Counter
	OperationsEnded     *prometheus.CounterVec
	ItemsCreated        prometheus.Counter
	ItemsExecuted       *prometheus.CounterVec
	Decisions           *prometheus.CounterVec
	MonitorTicks        prometheus.Counter
	MonitorChecks       *prometheus.CounterVec
	ScheduleActivations prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "operations_started_total",
			Help:      "Operations started by the dispatcher.",
		}),
		OperationsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "operations_ended_total",
			Help:      "Operations reaching a terminal state, by final state.",
		}, []string{"state"}),
		ItemsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "items_created_total",
			Help:      "Items created by content generation, including regeneration rounds.",
		}),
		ItemsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "items_executed_total",
			Help:      "Item execution attempts, by result.",
		}, []string{"result"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "classifier_decisions_total",
			Help:      "Classified approval decisions, by mapped action.",
		}, []string{"action"}),
		MonitorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "monitor_ticks_total",
			Help:      "Monitoring loop ticks.",
		}),
		MonitorChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "monitor_checks_total",
			Help:      "Condition checks on monitored items, by outcome.",
		}, []string{"outcome"}),
		ScheduleActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "schedule_activations_total",
			Help:      "Successful schedule activations.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OperationsStarted,
			m.OperationsEnded,
			m.ItemsCreated,
			m.ItemsExecuted,
			m.Decisions,
			m.MonitorTicks,
			m.MonitorChecks,
			m.ScheduleActivations,
		)
	}
	return m
}

// Nop returns unregistered collectors, for tests and library embedding.
func Nop() *Metrics { return New(nil) }
