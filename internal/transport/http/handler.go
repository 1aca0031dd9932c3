package httptransport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/service"
)

type Handler struct {
	jobSvc *service.JobService
}

func NewHandler(jobSvc *service.JobService) *Handler {
	return &Handler{jobSvc: jobSvc}
}

type createJobDTO struct {
	OwnerID        string            `json:"owner_id"`
	Prompt         string            `json:"prompt"`
	Hints          map[string]string `json:"hints,omitempty"`
	ModelSelection map[string]string `json:"model_selection,omitempty"` // stage -> strategy
}

type createJobResp struct {
	ID string `json:"id"`
}

type dispatchResp struct {
	Strategy  string `json:"strategy"`
	EditMode  bool   `json:"edit_mode"`
	StartedAt string `json:"started_at"`
	Deadline  string `json:"deadline"`
}

type jobResp struct {
	ID             string                                   `json:"id"`
	OwnerID        string                                   `json:"owner_id"`
	Status         entity.JobStatus                         `json:"status"`
	CurrentStep    entity.Step                              `json:"current_step"`
	Input          entity.JobInput                          `json:"input"`
	StageOutputs   map[entity.Step]json.RawMessage          `json:"stage_outputs"`
	ModelSelection map[entity.Step]string                   `json:"model_selection"`
	EditQueue      map[entity.Step][]entity.EditInstruction `json:"edit_queue,omitempty"`
	Running        map[entity.Step]dispatchResp             `json:"running,omitempty"`
	Failure        *entity.Failure                          `json:"failure,omitempty"`
	ProgressLog    []entity.ProgressEvent                   `json:"progress_log"`
	CreatedAt      string                                   `json:"created_at"`
	UpdatedAt      string                                   `json:"updated_at"`
}

type editDTO struct {
	Stage       string `json:"stage"`
	Type        string `json:"type,omitempty"`
	Instruction string `json:"instruction"`
	Priority    int    `json:"priority,omitempty"`
}

type editResp struct {
	ID string `json:"id"`
}

// CreateJob godoc
// @Summary Submit a generation job
// @Description Creates the job record (pending) and dispatches its first stage.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "job payload"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	rec, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		OwnerID:        dto.OwnerID,
		Prompt:         dto.Prompt,
		Hints:          dto.Hints,
		ModelSelection: dto.ModelSelection,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{ID: rec.JobID})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	resp := jobResp{
		ID:             j.JobID,
		OwnerID:        j.OwnerID,
		Status:         j.Status,
		CurrentStep:    j.CurrentStep,
		Input:          j.Input,
		StageOutputs:   j.StageOutputs,
		ModelSelection: j.ModelSelection,
		EditQueue:      j.EditQueue,
		Failure:        j.Failure,
		ProgressLog:    j.ProgressLog,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
	if len(j.Dispatches) > 0 {
		resp.Running = make(map[entity.Step]dispatchResp, len(j.Dispatches))
		for stage, d := range j.Dispatches {
			resp.Running[stage] = dispatchResp{
				Strategy:  d.Strategy,
				EditMode:  d.EditMode,
				StartedAt: d.StartedAt.Format(time.RFC3339),
				Deadline:  d.Deadline.Format(time.RFC3339),
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJobResult godoc
// @Summary Get the final package of a completed job
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/result [get]
func (h *Handler) GetJobResult(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	out, err := h.jobSvc.GetResult(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	// raw fragment, no trailing newline
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// RequestEdit godoc
// @Summary Queue an edit instruction for a stage
// @Description Re-runs the stage in edit mode when it already has output and is idle.
// @Tags jobs
// @Accept json
// @Produce json
// @Param id path string true "job id (uuid)"
// @Param request body editDTO true "edit instruction"
// @Success 202 {object} editResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/edits [post]
func (h *Handler) RequestEdit(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	var dto editDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	ins, err := h.jobSvc.RequestEdit(r.Context(), id, service.EditRequest{
		Stage:       dto.Stage,
		Type:        dto.Type,
		Instruction: dto.Instruction,
		Priority:    dto.Priority,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, editResp{ID: ins.ID})
}

// RetryJob godoc
// @Summary Re-open a failed job at the step that failed
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 202
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/retry [post]
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	if err := h.jobSvc.Retry(r.Context(), id); err != nil {
		writeServiceErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StreamEvents godoc
// @Summary Stream job progress
// @Description Server-sent events: the recorded progress log, then live events until the job ends.
// @Tags jobs
// @Produce text/event-stream
// @Param id path string true "job id (uuid)"
// @Success 200
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/events [get]
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	history, live, cancel, err := h.jobSvc.Watch(r.Context(), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range history {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
	if live == nil {
		// job already finished; history is the whole story
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-live:
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Step == entity.StepCompleted || ev.Step == entity.StepFailed {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev entity.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
	return err
}

// CompleteStage godoc
// @Summary Stage runner completion callback
// @Tags internal
// @Accept json
// @Param request body entity.CompletionSignal true "completion signal"
// @Success 204
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /internal/stages/complete [post]
func (h *Handler) CompleteStage(w http.ResponseWriter, r *http.Request) {
	var sig entity.CompletionSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.jobSvc.Complete(r.Context(), sig); err != nil {
		writeServiceErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
