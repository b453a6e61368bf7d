// Package metrics exposes the engine's Prometheus collectors. Gauges are
// sampled periodically by the engine; collector updates can never fail, so
// a broken scrape endpoint has no effect on dispatch.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth is the literal queue length at sampling time.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_queue_depth",
		Help: "Number of work items queued and not yet assigned to a worker.",
	})

	// InflightCommands is the size of the command in-flight table.
	InflightCommands = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_inflight_commands",
		Help: "Number of dispatched commands awaiting a worker reply.",
	})

	// InflightEvents is the size of the event in-flight table.
	InflightEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_inflight_events",
		Help: "Number of dispatched events awaiting a worker reply.",
	})

	// LiveWorkers is the number of workers currently online.
	LiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "automation_live_workers",
		Help: "Number of worker processes currently online.",
	})

	// WorkerRestarts counts abnormal worker exits that triggered a respawn.
	WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "automation_worker_restarts_total",
		Help: "Total worker processes respawned after an abnormal exit.",
	})

	// DispatchesTotal counts items transmitted to workers, by class.
	DispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "automation_dispatches_total",
		Help: "Total work items transmitted to workers.",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(
		QueueDepth,
		InflightCommands,
		InflightEvents,
		LiveWorkers,
		WorkerRestarts,
		DispatchesTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
