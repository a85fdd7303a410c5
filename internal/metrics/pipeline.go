// Package metrics provides Prometheus metrics for encoder pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "frames_submitted_total",
		Help:      "Raw frames handed to the encoder",
	}, []string{"stream_id"})

	framesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "frames_completed_total",
		Help:      "Encoded frames delivered downstream",
	}, []string{"stream_id"})

	emptySamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "empty_samples_total",
		Help:      "Completed samples without payload",
	}, []string{"stream_id"})

	keyFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "key_frames_total",
		Help:      "IDR frames delivered downstream",
	}, []string{"stream_id"})

	droppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "dropped_frames_total",
		Help:      "Frames reported dropped by the source",
	}, []string{"stream_id"})

	ledgerMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "ledger_misses_total",
		Help:      "Completions whose timestamp had no recorded frame attributes",
	}, []string{"stream_id"})

	qpMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "qp_misses_total",
		Help:      "Completions whose slice quantizer could not be read",
	}, []string{"stream_id"})

	reconfigurations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "reconfigurations_total",
		Help:      "Encoder reconfigurations by kind and result",
	}, []string{"stream_id", "kind", "result"})

	pendingFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "pending_frames",
		Help:      "Frames submitted but not yet completed",
	}, []string{"stream_id"})

	lastQP = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "qp",
		Help:      "Quantizer of the last encoded frame",
	}, []string{"stream_id"})

	downscaleShift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hwencode",
		Subsystem: "pipeline",
		Name:      "downscale_shift",
		Help:      "Times each frame dimension is halved by the quality controller",
	}, []string{"stream_id"})

	// Local cache for SSE exporter access.
	pipelineCache   = make(map[string]*PipelineMetrics)
	pipelineCacheMu sync.RWMutex
)

// PipelineMetrics holds current values for one pipeline.
type PipelineMetrics struct {
	State          string
	Submitted      uint64
	Completed      uint64
	Dropped        uint64
	Pending        int
	LastQP         int
	DownscaleShift int
}

// IncrementFramesSubmitted records a submitted frame and the new pending count.
func IncrementFramesSubmitted(streamID string, pending int) {
	framesSubmitted.WithLabelValues(streamID).Inc()
	pendingFrames.WithLabelValues(streamID).Set(float64(pending))
	updateCache(streamID, func(m *PipelineMetrics) {
		m.Submitted++
		m.Pending = pending
	})
}

// IncrementFramesCompleted records a delivered frame and the new pending count.
func IncrementFramesCompleted(streamID string, pending int, key bool) {
	framesCompleted.WithLabelValues(streamID).Inc()
	pendingFrames.WithLabelValues(streamID).Set(float64(pending))
	if key {
		keyFrames.WithLabelValues(streamID).Inc()
	}
	updateCache(streamID, func(m *PipelineMetrics) {
		m.Completed++
		m.Pending = pending
	})
}

// IncrementEmptySamples records a completion without payload.
func IncrementEmptySamples(streamID string) {
	emptySamples.WithLabelValues(streamID).Inc()
}

// IncrementDroppedFrames records a source drop.
func IncrementDroppedFrames(streamID string) {
	droppedFrames.WithLabelValues(streamID).Inc()
	updateCache(streamID, func(m *PipelineMetrics) { m.Dropped++ })
}

// IncrementLedgerMisses records a completion with an unknown timestamp.
func IncrementLedgerMisses(streamID string) {
	ledgerMisses.WithLabelValues(streamID).Inc()
}

// IncrementQPMisses records a completion whose quantizer was not found.
func IncrementQPMisses(streamID string) {
	qpMisses.WithLabelValues(streamID).Inc()
}

// IncrementReconfigurations records a reconfiguration attempt.
func IncrementReconfigurations(streamID, kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	reconfigurations.WithLabelValues(streamID, kind, result).Inc()
}

// SetQP sets the quantizer of the last encoded frame.
func SetQP(streamID string, qp int) {
	lastQP.WithLabelValues(streamID).Set(float64(qp))
	updateCache(streamID, func(m *PipelineMetrics) { m.LastQP = qp })
}

// SetDownscaleShift sets the active downscale level.
func SetDownscaleShift(streamID string, shift int) {
	downscaleShift.WithLabelValues(streamID).Set(float64(shift))
	updateCache(streamID, func(m *PipelineMetrics) { m.DownscaleShift = shift })
}

// SetState records the pipeline state for SSE clients.
func SetState(streamID, state string) {
	updateCache(streamID, func(m *PipelineMetrics) { m.State = state })
}

// DeletePipelineMetrics removes all metrics for a stream.
func DeletePipelineMetrics(streamID string) {
	for _, vec := range []*prometheus.CounterVec{framesSubmitted, framesCompleted, emptySamples, keyFrames, droppedFrames, ledgerMisses, qpMisses} {
		vec.DeleteLabelValues(streamID)
	}
	reconfigurations.DeletePartialMatch(prometheus.Labels{"stream_id": streamID})
	pendingFrames.DeleteLabelValues(streamID)
	lastQP.DeleteLabelValues(streamID)
	downscaleShift.DeleteLabelValues(streamID)

	pipelineCacheMu.Lock()
	delete(pipelineCache, streamID)
	pipelineCacheMu.Unlock()
}

// GetPipelineMetrics returns current metric values for a stream.
func GetPipelineMetrics(streamID string) *PipelineMetrics {
	pipelineCacheMu.RLock()
	defer pipelineCacheMu.RUnlock()
	if m, ok := pipelineCache[streamID]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllPipelineMetrics returns metrics for all active streams.
func GetAllPipelineMetrics() map[string]*PipelineMetrics {
	pipelineCacheMu.RLock()
	defer pipelineCacheMu.RUnlock()
	result := make(map[string]*PipelineMetrics, len(pipelineCache))
	for id, m := range pipelineCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(streamID string, update func(*PipelineMetrics)) {
	pipelineCacheMu.Lock()
	defer pipelineCacheMu.Unlock()
	m, ok := pipelineCache[streamID]
	if !ok {
		m = &PipelineMetrics{}
		pipelineCache[streamID] = m
	}
	update(m)
}
