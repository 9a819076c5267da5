package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidahmann/docflow/internal/auth"
)

// NewRouter mounts the docflow API. Everything under /v1 requires a bearer token.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(h.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "docflow"})
	})
	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.Auth))

		r.Post("/documents", h.CreateDocument)
		r.Route("/documents/{documentID}", func(r chi.Router) {
			r.Get("/", h.GetDocument)
			r.Post("/approval-lines", h.CreateApprovalLine)
			r.Get("/approval-lines", h.ListApprovalLines)
			r.Post("/submit", h.Submit)
			r.Post("/recall", h.Recall)
			r.Post("/restore", h.Restore)
			r.Get("/history", h.DocumentHistory)
			r.Get("/history/verify", h.VerifyHistory)
		})
		r.Get("/approval-lines/{lineID}/status", h.LineStatus)

		r.Post("/approvals/actions", h.PerformAction)
		r.Post("/approvals/delegate", h.Delegate)

		r.Get("/users/{userID}/history", h.UserHistory)
		r.Get("/users/{userID}/inbox", h.Inbox)

		r.Post("/access/check", h.CheckAccess)
	})
	return r
}
