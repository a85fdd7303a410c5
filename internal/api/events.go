package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/hwencode/internal/events"
)

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Real-time pipeline state changes, reconfigurations, drops, key frames and receiver feedback",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"pipeline-state": events.PipelineStateEvent{},
		"reconfigured":   events.ReconfiguredEvent{},
		"frame-dropped":  events.FrameDroppedEvent{},
		"key-frame":      events.KeyFrameEvent{},
		"feedback":       events.FeedbackEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 32)

		unsubscribers := []func(){
			events.SubscribeToChannel[events.PipelineStateEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.ReconfiguredEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FrameDroppedEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.KeyFrameEvent](s.eventBus, eventCh),
			events.SubscribeToChannel[events.FeedbackEvent](s.eventBus, eventCh),
		}
		defer func() {
			for _, unsub := range unsubscribers {
				unsub()
			}
		}()

		// Current state first so clients need no separate status call
		if s.pipeline != nil {
			state := string(s.pipeline.Stats().State)
			if err := send.Data(events.PipelineStateEvent{
				StreamID:  s.options.StreamID,
				From:      state,
				To:        state,
				Timestamp: time.Now().Format(time.RFC3339),
			}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
