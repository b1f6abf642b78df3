package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ride-bookings/internal/observability"
	"github.com/robertarktes/ride-bookings/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(rl))

		r.Post("/bookings", h.CreateBooking)
		r.Get("/bookings/{id}", h.GetBooking)
		r.Post("/bookings/{id}/transitions", h.TransitionBooking)
		r.Post("/bookings/{id}/cancel", h.CancelBooking)
		r.Post("/bookings/{id}/payments", h.InitiatePayment)
		r.Post("/bookings/{id}/refund/complete", h.CompleteRefund)
		r.Post("/payments/callback", h.PaymentCallback)
		r.Get("/healthz", h.Healthz)
		r.Get("/readyz", h.Readyz)
	})

	return r
}
