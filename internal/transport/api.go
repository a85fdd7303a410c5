package transport

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

// WebRTCOfferInput is the request body for WebRTC signaling.
type WebRTCOfferInput struct {
	StreamID string `query:"stream" doc:"Stream ID to connect to, defaults to the published stream"`
	RawBody  []byte `contentType:"application/sdp" doc:"SDP offer from browser"`
}

// WebRTCAnswerOutput is the response body for WebRTC signaling.
type WebRTCAnswerOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// PeersOutput reports connected viewers.
type PeersOutput struct {
	Body struct {
		StreamID string `json:"stream_id" doc:"Published stream"`
		Peers    int    `json:"peers" doc:"Connected WebRTC peers"`
	}
}

// RegisterWebRTCAPI registers WebRTC signaling endpoints with the Huma API.
func RegisterWebRTCAPI(api huma.API, publisher *Publisher) {
	// POST /api/webrtc?stream=<id> - WebRTC signaling
	huma.Register(api, huma.Operation{
		OperationID: "webrtc-offer",
		Method:      http.MethodPost,
		Path:        "/api/webrtc",
		Summary:     "WebRTC signaling",
		Description: "Exchange SDP offer/answer to watch the encoded stream",
		Tags:        []string{"streaming"},
	}, func(ctx context.Context, input *WebRTCOfferInput) (*WebRTCAnswerOutput, error) {
		if input.StreamID != "" && input.StreamID != publisher.StreamID() {
			return nil, huma.Error404NotFound("stream not found")
		}
		if len(input.RawBody) == 0 {
			return nil, huma.Error400BadRequest("empty SDP offer")
		}
		answer, err := publisher.CreateConsumer(string(input.RawBody))
		if err != nil {
			return nil, huma.Error500InternalServerError("connection failed", err)
		}
		return &WebRTCAnswerOutput{
			ContentType: "application/sdp",
			Body:        []byte(answer),
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "webrtc-peers",
		Method:      http.MethodGet,
		Path:        "/api/webrtc/peers",
		Summary:     "WebRTC peers",
		Description: "Returns the number of connected WebRTC viewers",
		Tags:        []string{"streaming"},
	}, func(ctx context.Context, input *struct{}) (*PeersOutput, error) {
		out := &PeersOutput{}
		out.Body.StreamID = publisher.StreamID()
		out.Body.Peers = publisher.PeerCount()
		return out, nil
	})
}
