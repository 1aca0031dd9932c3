package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

func base() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// Routes serves the job API. metrics may be nil.
func Routes(h *Handler, metrics http.Handler) http.Handler {
	r := base()

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", h.CreateJob)
		r.Get("/{id}", h.GetJob)
		r.Get("/{id}/result", h.GetJobResult)
		r.Get("/{id}/events", h.StreamEvents)
		r.Post("/{id}/edits", h.RequestEdit)
		r.Post("/{id}/retry", h.RetryJob)
	})
	r.Post("/internal/stages/complete", h.CompleteStage)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}

// RunnerRoutes serves the stage runner API.
func RunnerRoutes(h *RunnerHandler, metrics http.Handler) http.Handler {
	r := base()
	r.Post("/stages/{stage}", h.RunStage)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}
