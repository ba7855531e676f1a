package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers all API routes on the app.
func SetupRoutes(app *fiber.App, h *Handler) {
	v1 := app.Group("/v1")

	v1.Post("/runs", h.SubmitRun)
	v1.Get("/runs", h.ListRuns)
	v1.Get("/runs/:id", h.GetRun)
	v1.Get("/runs/:id/failures", h.GetFailures)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	if h.deps.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(
			promhttp.HandlerFor(h.deps.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
}
