// Package metrics wires Prometheus collectors for the streaming service.
// Registers:
//
//	#marketstream_ticks_ingested_total
//	#marketstream_snapshots_published_total
//	#marketstream_frames_dropped_total
//	#marketstream_subscribers
//	#go_* and process_* system metrics
//
// The collectors are exposed through Handler so the ops server can mount them
// on its own /metrics route.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once               sync.Once
	ticksIngested      *prometheus.CounterVec
	snapshotsPublished prometheus.Counter
	framesDropped      *prometheus.CounterVec
	subscribers        prometheus.Gauge
	archiveObjects     prometheus.Counter
)

func Init() {
	once.Do(func() {
		ticksIngested = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_ticks_ingested_total",
				Help: "Number of normalized ticks applied to the symbol universe",
			},
			[]string{"source"},
		)

		snapshotsPublished = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketstream_snapshots_published_total",
				Help: "Number of snapshot broadcast cycles completed",
			},
		)

		framesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketstream_frames_dropped_total",
				Help: "Number of queued frames discarded under the keep-latest policy",
			},
			[]string{"reason"},
		)

		subscribers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketstream_subscribers",
				Help: "Number of currently connected subscriber sessions",
			},
		)

		archiveObjects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketstream_archive_objects_total",
				Help: "Number of snapshot batches uploaded to the archive",
			},
		)

		_ = prometheus.Register(ticksIngested)
		_ = prometheus.Register(snapshotsPublished)
		_ = prometheus.Register(framesDropped)
		_ = prometheus.Register(subscribers)
		_ = prometheus.Register(archiveObjects)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler returns the Prometheus scrape handler for the ops server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncrementTicksIngested increases the tick counter for a feed source.
func IncrementTicksIngested(source string) {
	if ticksIngested != nil {
		ticksIngested.WithLabelValues(source).Inc()
	}
}

// IncrementSnapshotsPublished increases the broadcast cycle counter.
func IncrementSnapshotsPublished() {
	if snapshotsPublished != nil {
		snapshotsPublished.Inc()
	}
}

// IncrementFramesDropped increases the dropped-frame counter for a reason
// label ("backpressure" or "session_closed").
func IncrementFramesDropped(reason string) {
	if framesDropped != nil {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

// SetSubscribers records the current subscriber session count.
func SetSubscribers(n int) {
	if subscribers != nil {
		subscribers.Set(float64(n))
	}
}

// IncrementArchiveObjects increases the uploaded archive batch counter.
func IncrementArchiveObjects() {
	if archiveObjects != nil {
		archiveObjects.Inc()
	}
}
