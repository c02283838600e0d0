package tasks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task-runtime observability: dequeued, in-flight, and lease-expiry
// counts.
var (
	tasksDequeuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_agent_tasks_dequeued_total",
		Help: "counter of tasks dequeued by the agent task-runtime scheduler",
	}, []string{"task_type"})

	tasksInFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flow_agent_tasks_in_flight",
		Help: "gauge of tasks currently executing in the agent task-runtime scheduler",
	}, []string{"task_type"})

	tasksLeaseExpiredCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_agent_tasks_lease_expired_total",
		Help: "counter of task executions that failed or panicked, letting their lease expire for retry",
	}, []string{"task_type"})
)
