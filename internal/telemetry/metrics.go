package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksCreated    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_created_total", Help: "Tasks created, by code"}, []string{"code"})
	TasksFinished   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_finished_total", Help: "Tasks reaching a terminal state, by code and status"}, []string{"code", "status"})
	TaskDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "task_duration_seconds", Help: "Wall time from start to terminal state", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600}}, []string{"code"})
	StaleReconciled = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_stale_reconciled_total", Help: "Zombie task rows finalized on read"})
	TriggerRejects  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_trigger_rejects_total", Help: "Trigger requests rejected, by reason"}, []string{"reason"})
	CronFires       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "scheduler_cron_fires_total", Help: "Timer-driven triggers, by code"}, []string{"code"})
	BatchItems      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "batch_items_total", Help: "Batch items processed, by outcome"}, []string{"outcome"})
	LiveTasksGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_live", Help: "Task execution goroutines currently running in this process"})
	ProgressDropped = prometheus.NewCounter(prometheus.CounterOpts{Name: "task_updates_dropped_total", Help: "Progress updates refused by the freeze rule"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			TasksCreated,
			TasksFinished,
			TaskDuration,
			StaleReconciled,
			TriggerRejects,
			CronFires,
			BatchItems,
			LiveTasksGauge,
			ProgressDropped,
		)
	})
}
