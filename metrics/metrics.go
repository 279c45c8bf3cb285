// Package metrics holds the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineInvocations counts model invocations, labelled by kind
	// ("single" or "batched").  Batching tests assert on this.
	PipelineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_pipeline_invocations_total",
		Help: "Number of diffusion pipeline invocations.",
	}, []string{"kind"})

	// BatchesFlushed counts batch flushes by trigger: size, timeout, vram,
	// shutdown.
	BatchesFlushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_batches_flushed_total",
		Help: "Number of request batches flushed, by reason.",
	}, []string{"reason"})

	// FramesEmitted counts streaming frames placed on result mailboxes,
	// chunk frames included.
	FramesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imagegen_stream_frames_emitted_total",
		Help: "Number of SSE stream frames emitted by workers.",
	})

	// GenerationErrors counts terminal error events, labelled by category.
	GenerationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imagegen_generation_errors_total",
		Help: "Number of generation requests that ended in error.",
	}, []string{"category"})

	// ActiveRequests tracks requests between admission and terminal event.
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagegen_active_requests",
		Help: "Number of in-flight generation requests.",
	})

	// WorkersReady tracks workers that have loaded their pipeline.
	WorkersReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imagegen_workers_ready",
		Help: "Number of workers that finished loading the model.",
	})

	// GenerationDuration observes wall time of pipeline invocations.
	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "imagegen_generation_duration_seconds",
		Help:    "Wall-clock duration of pipeline invocations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
