package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	RunningInputs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamdist_running_inputs",
		Help: "Number of inputs with a live tee point",
	})
	LiveOutputProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamdist_live_output_processes",
		Help: "Number of live output worker processes",
	})
	TeeReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamdist_tee_readers",
		Help: "Number of readers attached across all tee points",
	})
)

// Counters
var (
	ProcessRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdist_process_restarts_total",
		Help: "Total automatic output process restarts",
	})
	SpawnFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdist_spawn_failures_total",
		Help: "Total output worker spawn failures",
	})
	DroppedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdist_dropped_events_total",
		Help: "Status events dropped due to slow subscribers",
	})
	OutputsFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamdist_outputs_failed_total",
		Help: "Total transitions into the failed state",
	})
)
