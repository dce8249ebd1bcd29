package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes wires the audience API. Every data route is scoped by the
// tenant path segment.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/{tenant}", func(r chi.Router) {
		r.Route("/contacts", func(r chi.Router) {
			r.Get("/{email}", h.GetContact)
			r.Patch("/{email}", h.PatchContact)
			r.Delete("/{email}", h.DeleteContact)
			r.Post("/{email}/export", h.ExportContact)
			r.Post("/events", h.RecordEvent)
			r.Post("/sends", h.RecordSends)
			r.Post("/tags", h.UpdateTags)
		})

		r.Route("/lists", func(r chi.Router) {
			r.Post("/{listID}/feed", h.Feed)
			r.Post("/{listID}/import", h.ImportList)
			r.Post("/{listID}/export", h.ExportList)
			r.Post("/{listID}/remove-domains", h.RemoveListDomains)
		})
		r.Post("/supplists/{listID}/import", h.ImportSuppList)

		r.Route("/segments", func(r chi.Router) {
			r.Get("/", h.ListSegments)
			r.Put("/{segmentID}", h.SaveSegment)
			r.Post("/validate", h.ValidateSegment)
			r.Post("/{segmentID}/export", h.ExportSegment)
		})

		r.Route("/find", func(r chi.Router) {
			r.Post("/", h.Find)
			r.Get("/{jobID}", h.FindStatus)
		})

		r.Route("/bulk", func(r chi.Router) {
			r.Post("/tag", h.BulkTag)
			r.Post("/remove-list", h.BulkRemoveList)
			r.Post("/remove-tag", h.BulkRemoveTag)
			r.Post("/erase-domains", h.BulkEraseDomains)
			r.Post("/refresh-counts", h.RefreshCounts)
			r.Post("/refresh-active", h.RefreshActive)
			r.Post("/sendable", h.SendableAudience)
		})

		r.Get("/exports/{exportID}", h.ExportStatus)
		r.Post("/reshard", h.Reshard)
	})

	return r
}

// HealthCheck reports liveness and database reachability.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}
