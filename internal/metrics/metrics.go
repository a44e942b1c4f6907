// Package metrics exposes the fabric's running state as Prometheus
// collectors, registered once at startup and kept current by a
// background sampler that reads each component's existing Statistics
// snapshot rather than duplicating counters inside the components
// themselves.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/atlas-desktop/coordination-fabric/internal/coordinator"
	"github.com/atlas-desktop/coordination-fabric/internal/events"
	"github.com/atlas-desktop/coordination-fabric/internal/soldier"
)

// Registry owns the fabric's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	eventQueueDepth    *prometheus.GaugeVec
	eventsPublished    prometheus.Gauge
	eventsProcessed    prometheus.Gauge
	eventsFailed       prometheus.Gauge
	avgDispatchLatency prometheus.Gauge

	coordinatorInFlight     prometheus.Gauge
	coordinatorConflicts    prometheus.Gauge
	coordinatorTimeouts     prometheus.Gauge
	coordinatorAvgConfidence prometheus.Gauge

	soldierMode        *prometheus.GaugeVec
	soldierP99Latency  prometheus.Gauge
	soldierCacheHits   prometheus.Gauge
}

// New constructs and registers the fabric's collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.eventQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "event_bus",
		Name:      "queue_depth",
		Help:      "Current depth of each priority queue.",
	}, []string{"priority"})

	r.eventsPublished = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "event_bus", Name: "events_published_total",
		Help: "Total events published to the bus.",
	})
	r.eventsProcessed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "event_bus", Name: "events_processed_total",
		Help: "Total events successfully dispatched to handlers.",
	})
	r.eventsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "event_bus", Name: "events_failed_total",
		Help: "Total handler invocations that returned an error or panicked.",
	})
	r.avgDispatchLatency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "event_bus", Name: "avg_processing_time_us",
		Help: "Running mean of batch processing time in microseconds.",
	})

	r.coordinatorInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "coordinator", Name: "concurrent_peak",
		Help: "Peak number of concurrently in-flight decision requests observed.",
	})
	r.coordinatorConflicts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "coordinator", Name: "coordination_conflicts_total",
		Help: "Total decision conflicts resolved across two or more brains.",
	})
	r.coordinatorTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "coordinator", Name: "timeouts_total",
		Help: "Total decision requests that hit their per-brain timeout.",
	})
	r.coordinatorAvgConfidence = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "coordinator", Name: "average_confidence",
		Help: "Running mean confidence across all returned decisions.",
	})

	r.soldierMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "soldier", Name: "mode",
		Help: "1 if the soldier is currently in the named mode, else 0.",
	}, []string{"mode"})
	r.soldierP99Latency = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "soldier", Name: "p99_latency_ms",
		Help: "p99 decision latency over the soldier's sliding window.",
	})
	r.soldierCacheHits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fabric", Subsystem: "soldier", Name: "cache_hits_total",
		Help: "Total decision cache hits.",
	})

	r.reg.MustRegister(
		r.eventQueueDepth, r.eventsPublished, r.eventsProcessed, r.eventsFailed, r.avgDispatchLatency,
		r.coordinatorInFlight, r.coordinatorConflicts, r.coordinatorTimeouts, r.coordinatorAvgConfidence,
		r.soldierMode, r.soldierP99Latency, r.soldierCacheHits,
	)

	return r
}

// Registerer exposes the underlying Prometheus registry, e.g. for
// wiring promhttp.HandlerFor in internal/api.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.reg
}

// Sample is invoked on a fixed interval (see Run) to copy each
// component's current Statistics snapshot into the registered gauges.
func (r *Registry) Sample(bus *events.Bus, coord *coordinator.Coordinator, sol *soldier.Soldier) {
	if bus != nil {
		stats := bus.GetStats()
		for priority, depth := range stats.QueueSizes {
			r.eventQueueDepth.WithLabelValues(priority).Set(float64(depth))
		}
		r.eventsPublished.Set(float64(stats.EventsPublished))
		r.eventsProcessed.Set(float64(stats.EventsProcessed))
		r.eventsFailed.Set(float64(stats.EventsFailed))
		r.avgDispatchLatency.Set(stats.AvgProcessingTimeUs)
	}

	if coord != nil {
		stats := coord.Statistics()
		r.coordinatorInFlight.Set(float64(stats.ConcurrentPeak))
		r.coordinatorConflicts.Set(float64(stats.CoordinationConflicts))
		r.coordinatorTimeouts.Set(float64(stats.Timeouts))
		r.coordinatorAvgConfidence.Set(stats.AverageConfidence)
	}

	if sol != nil {
		stats := sol.Statistics()
		for _, mode := range []string{"normal", "degraded", "offline"} {
			value := 0.0
			if stats.State == mode {
				value = 1.0
			}
			r.soldierMode.WithLabelValues(mode).Set(value)
		}
		r.soldierP99Latency.Set(stats.P99LatencyMs)
		r.soldierCacheHits.Set(float64(stats.CacheHits))
	}
}

// Run samples every interval until ctx is cancelled, mirroring the
// ticker-driven background loop the fabric's other components use
// (soldier's health loop, the event bus's dispatch loop).
func (r *Registry) Run(ctx context.Context, interval time.Duration, bus *events.Bus, coord *coordinator.Coordinator, sol *soldier.Soldier) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample(bus, coord, sol)
		}
	}
}
