package httptransport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/pipeline"
)

type StageProcessor interface {
	Process(ctx context.Context, req entity.StageRequest) error
}

// RunnerHandler accepts stage requests over HTTP and runs them in the background; the
// outcome goes to the request's callback URL.
type RunnerHandler struct {
	processor StageProcessor
	// base context for background runs; runs outlive the request that started them
	ctx context.Context
}

func NewRunnerHandler(ctx context.Context, processor StageProcessor) *RunnerHandler {
	return &RunnerHandler{processor: processor, ctx: ctx}
}

// RunStage godoc
// @Summary Run a stage
// @Tags runner
// @Accept json
// @Param stage path string true "stage name"
// @Param request body entity.StageRequest true "stage request"
// @Success 202
// @Failure 400 {object} apiError
// @Router /stages/{stage} [post]
func (h *RunnerHandler) RunStage(w http.ResponseWriter, r *http.Request) {
	stage := entity.Step(chi.URLParam(r, "stage"))
	if !pipeline.IsStage(stage) {
		writeErr(w, http.StatusBadRequest, "unknown stage")
		return
	}

	var req entity.StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Stage == "" {
		req.Stage = stage
	}
	if req.Stage != stage {
		writeErr(w, http.StatusBadRequest, "stage mismatch")
		return
	}
	if req.JobID == "" || req.Token == "" || req.Record == nil {
		writeErr(w, http.StatusBadRequest, "job_id, token and record are required")
		return
	}

	go func() {
		if err := h.processor.Process(h.ctx, req); err != nil {
			log.Printf("[runner] job_id=%s stage=%s error=%v", req.JobID, req.Stage, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}
