package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter wires the tool and operational routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(withCorrelation)
	r.Use(withLogging(h.logger))
	r.Use(middleware.Recoverer)
	if h.httpMetrics != nil {
		r.Use(func(next http.Handler) http.Handler { return WithMetrics(next, h.httpMetrics) })
	}

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	r.Get("/metrics", h.metrics)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/clear", h.clearCaches)
		r.Post("/metrics/reset", h.resetMetrics)
	})

	r.Route("/v1/tools", func(r chi.Router) {
		r.Post("/overhead", h.overhead)
		r.Post("/streetview", h.streetView)
		r.Post("/panorama", h.panorama)
		r.Post("/geocode", h.geocode)
		r.Post("/reverse-geocode", h.reverseGeocode)
		r.Post("/proximity", h.proximity)
	})

	return otelhttp.NewHandler(r, "omni-visual",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}
