package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/katiba-labs/katiba/pkg/metrics"
	"github.com/katiba-labs/katiba/pkg/utils"
)

// NewRouter mounts all routes. Moderation and expert endpoints sit behind
// role checks; reads and citizen submissions are open.
func NewRouter(log *zap.Logger, deps Deps) chi.Router {
	h := NewHandler(log, deps)
	gateway := NewWSGateway(log, deps.WS, deps.Replayer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(ActorMiddleware)
	r.Use(LoggingMiddleware(log))

	r.Get("/healthz", healthHandler(deps.Checks))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/ws", gateway.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Route("/provisions", func(r chi.Router) {
			r.Get("/{id}", h.GetProvision)
			r.Get("/{id}/ancestors", h.ProvisionAncestors)
			r.Get("/{id}/descendants", h.ProvisionDescendants)
			r.Get("/{id}/vulnerabilities", h.ProvisionVulnerabilities)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(utils.IsModerator))
				r.Post("/", h.CreateProvision)
				r.Post("/{id}/move", h.MoveProvision)
				r.Delete("/{id}", h.DeleteProvision)
			})
		})

		r.Route("/bills", func(r chi.Router) {
			r.Get("/", h.ListBills)
			r.Get("/{id}", h.GetBill)
			r.Get("/{id}/engagements", h.ListEngagements)
			r.Get("/{id}/reviews", h.ListReviews)
			r.Post("/{id}/engagements", h.SubmitEngagement)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(utils.IsModerator))
				r.Post("/", h.CreateBill)
				r.Post("/{id}/transition", h.TransitionBill)
				r.Delete("/{id}", h.DeleteBill)
			})
		})

		r.Route("/engagements", func(r chi.Router) {
			r.Use(RequireRole(utils.IsModerator))
			r.Post("/{id}/approve", h.ApproveEngagement)
			r.Post("/{id}/reject", h.RejectEngagement)
			r.Delete("/{id}", h.DeleteEngagement)
		})

		r.Route("/reviews", func(r chi.Router) {
			r.Get("/{id}/history", h.ReviewHistory)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(utils.IsExpert))
				r.Post("/queue/take", h.TakeReview)
				r.Post("/{id}/decision", h.DecideReview)
			})
		})

		r.Route("/vulnerabilities", func(r chi.Router) {
			r.Get("/{id}", h.GetVulnerability)

			r.Group(func(r chi.Router) {
				r.Use(RequireRole(utils.IsExpert))
				r.Post("/", h.CreateVulnerability)
				r.Post("/{id}/status", h.VulnerabilityStatus)
			})
		})

		r.With(RequireRole(utils.IsModerator)).Get("/audit", h.AuditTrail)
	})

	return r
}
