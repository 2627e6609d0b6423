package dsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricProcessedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rose_updater",
		Subsystem: "dsync",
		Name:      "processed_bytes_total",
		Help:      "Total amount of file data written during synchronization, per data source (network/local_reused/cache)",
	}, []string{"source"})

	metricChunkFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rose_updater",
		Subsystem: "dsync",
		Name:      "chunk_fetches_total",
		Help:      "Total number of chunks fetched from archives",
	})

	metricFetchedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rose_updater",
		Subsystem: "dsync",
		Name:      "fetched_bytes_total",
		Help:      "Total number of compressed bytes fetched from archives",
	})

	metricFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rose_updater",
		Subsystem: "dsync",
		Name:      "files_total",
		Help:      "Total number of files handled, per result (updated/skipped/failed/cancelled)",
	}, []string{"result"})
)

const (
	metricSourceNetwork     = "network"      // fetched from the archive
	metricSourceLocalReused = "local_reused" // moved within the existing local file
	metricSourceCache       = "cache"        // fetched earlier in this run

	metricResultUpdated   = "updated"
	metricResultSkipped   = "skipped"
	metricResultFailed    = "failed"
	metricResultCancelled = "cancelled"
)
