package httptransport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pipeline-orchestrator/internal/orchestrator"
	"pipeline-orchestrator/internal/repository"
	"pipeline-orchestrator/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	idStr := chi.URLParam(r, "id")
	if _, err := uuid.Parse(idStr); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return idStr, true
}

func writeServiceErr(w http.ResponseWriter, err error) {
	var ve *orchestrator.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErr(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeErr(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrNotCompleted):
		writeErr(w, http.StatusConflict, "job not completed")
	case errors.Is(err, orchestrator.ErrJobNotRetryable), errors.Is(err, orchestrator.ErrJobTerminal):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		log.Printf("[http] internal error: %v", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
