package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const readinessTimeout = 2 * time.Second

// readinessCheck pings one hard dependency of the queue.
type readinessCheck struct {
	name string
	ping func(ctx context.Context) error
}

func RegisterHealthRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client) {
	checks := []readinessCheck{
		{name: "postgres", ping: sqlDB.PingContext},
		{name: "redis", ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	}

	app.Get("/livez", livez)
	app.Get("/readyz", readyz(checks))
}

func livez(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
	})
}

func readyz(checks []readinessCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		failures := make([]error, len(checks))
		var g errgroup.Group
		for i := range checks {
			i := i
			g.Go(func() error {
				failures[i] = checks[i].ping(ctx)
				return nil
			})
		}
		_ = g.Wait()

		status := "ready"
		statusCode := fiber.StatusOK
		detail := fiber.Map{}
		for i, check := range checks {
			if failures[i] != nil {
				detail[check.name] = "down"
				status = "not_ready"
				statusCode = fiber.StatusServiceUnavailable
			} else {
				detail[check.name] = "ok"
			}
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": detail,
		})
	}
}
