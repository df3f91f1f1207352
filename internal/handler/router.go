package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/questpoints/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка начислений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5, "application/json"))
	r.Use(custommiddleware.Logger(h.logger, h.metrics))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Route("/api/engine", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/completions", h.SubmitCompletion)
		r.Get("/completions/{id}", h.GetCompletion)
		r.Post("/completions/{id}/approve", h.ApproveCompletion)
		r.Post("/completions/{id}/reject", h.RejectCompletion)

		r.Post("/referrals", h.ProcessReferral)
		r.Post("/sweep", h.Sweep)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
