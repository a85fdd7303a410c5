package exporters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/hwencode/internal/events"
	"github.com/smazurov/hwencode/internal/metrics"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter periodically publishes pipeline counters as events for SSE clients.
type SSEExporter struct {
	eventBus EventPublisher
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewSSEExporter creates a new SSE exporter.
func NewSSEExporter(eventBus EventPublisher) *SSEExporter {
	return &SSEExporter{
		eventBus: eventBus,
		interval: 1 * time.Second,
	}
}

// Start begins the SSE export loop.
func (s *SSEExporter) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
}

// Stop stops the SSE exporter and waits for the goroutine to finish.
func (s *SSEExporter) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *SSEExporter) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishMetrics()
		}
	}
}

func (s *SSEExporter) publishMetrics() {
	now := time.Now().Format(time.RFC3339)
	for streamID, m := range metrics.GetAllPipelineMetrics() {
		s.eventBus.Publish(events.PipelineStatsEvent{
			EventType:      "pipeline_stats",
			StreamID:       streamID,
			State:          m.State,
			Pending:        strconv.Itoa(m.Pending),
			Submitted:      strconv.FormatUint(m.Submitted, 10),
			Completed:      strconv.FormatUint(m.Completed, 10),
			Dropped:        strconv.FormatUint(m.Dropped, 10),
			LastQP:         strconv.Itoa(m.LastQP),
			DownscaleShift: strconv.Itoa(m.DownscaleShift),
			Timestamp:      now,
		})
	}
}

// GetEventTypes returns event types for SSE endpoint registration.
func GetEventTypes() map[string]any {
	return map[string]any{
		"pipeline-stats": events.PipelineStatsEvent{},
	}
}
