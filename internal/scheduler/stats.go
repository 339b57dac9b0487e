package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds the scheduler's Prometheus metrics.
type Stats struct {
	EventsProcessed *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	BuildsCompleted *prometheus.CounterVec
	ItemsInPipeline *prometheus.GaugeVec
	SweepDuration   prometheus.Histogram
	Reconfigures    prometheus.Counter
}

// NewStats registers the scheduler metrics on the given registerer.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_events_processed_total",
			Help: "Scheduler events processed, by queue.",
		}, []string{"queue"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switchyard_event_queue_depth",
			Help: "Pending scheduler events, by queue.",
		}, []string{"queue"}),
		BuildsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_builds_completed_total",
			Help: "Builds completed, by result.",
		}, []string{"result"}),
		ItemsInPipeline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "switchyard_pipeline_items",
			Help: "Queue items currently in a pipeline.",
		}, []string{"tenant", "pipeline"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchyard_sweep_duration_seconds",
			Help:    "Duration of one drain-and-process sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		Reconfigures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_reconfigures_total",
			Help: "Completed reconfigure operations.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.EventsProcessed, s.QueueDepth, s.BuildsCompleted,
			s.ItemsInPipeline, s.SweepDuration, s.Reconfigures)
	}
	return s
}
