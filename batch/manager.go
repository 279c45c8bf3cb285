// Package batch coalesces compatible generation requests into GPU-sized
// batches under size, time, and VRAM thresholds.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/core"
	"github.com/Skryldev/imagegen-server/metrics"
)

// bucket accumulates requests sharing one batch key.
type bucket struct {
	requests []*core.GenerationRequest
	arrival  time.Time // arrival of the first member
}

// Manager groups pending requests by batch-key equivalence.  Add returns a
// ready batch when a threshold trips; SweepTimeouts flushes aged buckets and
// is meant to run on a ~100 ms ticker.  Safe for concurrent use.
type Manager struct {
	mu             sync.Mutex
	pending        map[core.BatchKey]*bucket
	timeout        time.Duration
	maxBatchSize   int
	maxTotalPixels int
	logger         *zap.Logger
}

// NewManager creates a Manager with the given flush thresholds.
func NewManager(timeout time.Duration, maxBatchSize, maxTotalPixels int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		pending:        make(map[core.BatchKey]*bucket),
		timeout:        timeout,
		maxBatchSize:   maxBatchSize,
		maxTotalPixels: maxTotalPixels,
		logger:         logger,
	}
}

// Add admits one request.  It returns a non-nil batch when the request's
// bucket is ready to dispatch; the caller must enqueue it immediately.  A nil
// return means the request joined a pending bucket.
func (m *Manager) Add(req *core.GenerationRequest) *core.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := req.Key()
	b, ok := m.pending[key]
	if !ok {
		b = &bucket{arrival: time.Now()}
		m.pending[key] = b
	}

	// VRAM guard: if admitting this request would push the bucket to the
	// cap, flush what is queued and start over with just the new arrival.
	projected := req.Pixels() * (len(b.requests) + 1)
	if projected >= m.maxTotalPixels && len(b.requests) > 0 {
		flushed := m.build(b.requests)
		m.pending[key] = &bucket{requests: []*core.GenerationRequest{req}, arrival: time.Now()}
		m.logger.Debug("flushed batch at VRAM cap",
			zap.String("batch_id", flushed.BatchID),
			zap.Int("projected_pixels", projected),
			zap.Int("cap", m.maxTotalPixels))
		metrics.BatchesFlushed.WithLabelValues("vram").Inc()
		return flushed
	}

	b.requests = append(b.requests, req)
	if len(b.requests) >= m.maxBatchSize || time.Since(b.arrival) >= m.timeout {
		delete(m.pending, key)
		flushed := m.build(b.requests)
		reason := "size"
		if len(b.requests) < m.maxBatchSize {
			reason = "timeout"
		}
		metrics.BatchesFlushed.WithLabelValues(reason).Inc()
		return flushed
	}
	return nil
}

// SweepTimeouts flushes every bucket older than the batch timeout.
func (m *Manager) SweepTimeouts() []*core.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.BatchedRequest
	for key, b := range m.pending {
		if time.Since(b.arrival) < m.timeout {
			continue
		}
		delete(m.pending, key)
		if len(b.requests) == 0 {
			continue
		}
		out = append(out, m.build(b.requests))
		metrics.BatchesFlushed.WithLabelValues("timeout").Inc()
	}
	return out
}

// FlushAll drains every pending bucket, regardless of age.  Used at shutdown
// so queued clients still complete.
func (m *Manager) FlushAll() []*core.BatchedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*core.BatchedRequest
	for key, b := range m.pending {
		delete(m.pending, key)
		if len(b.requests) == 0 {
			continue
		}
		out = append(out, m.build(b.requests))
		metrics.BatchesFlushed.WithLabelValues("shutdown").Inc()
	}
	return out
}

// PendingCount returns the number of requests waiting in buckets.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.pending {
		n += len(b.requests)
	}
	return n
}

// build aligns member fields into parallel slices, in insertion order.
// Shared parameters come from the first member, legal by key equality.
func (m *Manager) build(requests []*core.GenerationRequest) *core.BatchedRequest {
	first := requests[0]
	out := &core.BatchedRequest{
		BatchID:       uuid.NewString()[:8],
		NumImages:     first.NumImages,
		Width:         first.Width,
		Height:        first.Height,
		GuidanceScale: first.GuidanceScale,
		Steps:         first.Steps,
		Stream:        first.Stream,
	}
	for _, r := range requests {
		out.Prompts = append(out.Prompts, r.Prompt)
		out.NegativePrompts = append(out.NegativePrompts, r.NegativePrompt)
		out.RequestIDs = append(out.RequestIDs, r.RequestID)
		out.Seeds = append(out.Seeds, r.Seed)
	}
	return out
}
