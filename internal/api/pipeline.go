package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/hwencode/internal/api/models"
	"github.com/smazurov/hwencode/internal/pipeline"
)

// registerPipelineRoutes registers pipeline inspection and control routes.
func (s *Server) registerPipelineRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/api/pipeline",
		Summary:     "Pipeline status",
		Description: "Lifecycle state, counters, negotiated geometry, quality controller and ledger statistics",
		Tags:        []string{"pipeline"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.PipelineResponse, error) {
		return s.pipelineResponse(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "set-pipeline-rates",
		Method:        http.MethodPut,
		Path:          "/api/pipeline/rates",
		Summary:       "Set rates",
		Description:   "Change the target bitrate and framerate of the running encoder",
		Tags:          []string{"pipeline"},
		Security:      withAuth(),
		Errors:        []int{400, 401, 409, 500},
		DefaultStatus: http.StatusOK,
	}, func(_ context.Context, input *models.RatesRequest) (*models.PipelineResponse, error) {
		err := s.pipeline.SetRates(input.Body.BitrateKbps, input.Body.Framerate)
		if err != nil {
			s.logger.Warn("Rate change rejected",
				"bitrate_kbps", input.Body.BitrateKbps,
				"framerate", input.Body.Framerate,
				"error", err)
			return nil, pipelineError(err)
		}
		return s.pipelineResponse(), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "request-keyframe",
		Method:        http.MethodPost,
		Path:          "/api/pipeline/keyframe",
		Summary:       "Request key frame",
		Description:   "Force the next submitted frame to be coded as IDR",
		Tags:          []string{"pipeline"},
		Security:      withAuth(),
		Errors:        []int{401, 409},
		DefaultStatus: http.StatusAccepted,
	}, func(_ context.Context, _ *struct{}) (*models.KeyFrameResponse, error) {
		if err := s.pipeline.RequestKeyFrame(); err != nil {
			return nil, pipelineError(err)
		}
		return &models.KeyFrameResponse{
			Body: models.KeyFrameData{
				Status:  "requested",
				Message: "Next frame will be an IDR",
			},
		}, nil
	})
}

func (s *Server) pipelineResponse() *models.PipelineResponse {
	return &models.PipelineResponse{Body: domainToAPIPipeline(s.options.StreamID, s.pipeline.Stats())}
}

func domainToAPIPipeline(streamID string, st pipeline.Stats) models.PipelineData {
	return models.PipelineData{
		StreamID:  streamID,
		State:     string(st.State),
		Pending:   st.Pending,
		Submitted: st.Submitted,
		Completed: st.Completed,
		Geometry:  st.Geometry,
		Quality:   st.Quality,
		Ledger: models.LedgerData{
			Recorded: st.Ledger.Recorded,
			Matched:  st.Ledger.Matched,
			Misses:   st.Ledger.Misses,
			Evicted:  st.Ledger.Evicted,
		},
	}
}

// pipelineError maps pipeline errors to HTTP status codes.
func pipelineError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrInvalidRates):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, pipeline.ErrNotInitialized), errors.Is(err, pipeline.ErrReleased):
		return huma.Error409Conflict(err.Error())
	default:
		return huma.Error500InternalServerError("pipeline operation failed", err)
	}
}
