// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import "github.com/prometheus/client_golang/prometheus"

var (
	ArchivesScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zipatch_archives_scanned_total",
		Help: "Total number of archives folded into the reconstruction state",
	})

	ScannedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zipatch_scanned_bytes_total",
		Help: "Total number of archive bytes scanned",
	})

	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zipatch_operations_total",
		Help: "Total number of archive operations applied, by kind",
	}, []string{"kind"})

	ChunksSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zipatch_chunks_skipped_total",
		Help: "Total number of unknown chunks and commands skipped, by type",
	}, []string{"type"})

	CheckpointsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zipatch_checkpoints_written_total",
		Help: "Total number of checkpoints written",
	})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zipatch_checkpoint_duration_seconds",
		Help:    "Histogram of the time taken to write a checkpoint",
		Buckets: prometheus.DefBuckets,
	})

	TrackedFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zipatch_tracked_files",
		Help: "Number of target files in the reconstruction state",
	})

	MaterializedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zipatch_materialized_files_total",
		Help: "Total number of target files materialized, by result",
	}, []string{"result"})

	MaterializedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zipatch_materialized_bytes_total",
		Help: "Total number of bytes written to materialized files",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		ArchivesScanned, ScannedBytes, Operations, ChunksSkipped,
		CheckpointsWritten, CheckpointDuration, TrackedFiles,
		MaterializedFiles, MaterializedBytes,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
