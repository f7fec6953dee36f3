package server

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/pollcache/internal/metrics"
)

// AppOptions controls which collaborators the diagnostics application exposes.
type AppOptions struct {
	Logger  *logrus.Logger
	Metrics *metrics.Collector
}

const contextKeyRequestID = "_pollcache_request_id"

// NewApp builds a read-only Fiber application with recover, request-id and
// access logging middleware. /metrics is mounted when a collector is given;
// cache and stats routes are registered by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	if opts.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))
	}

	return app, nil
}

// requestContextMiddleware 生成请求 ID 并在请求结束后输出访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		started := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
		}
		logger.WithFields(logrus.Fields{
			"action":     "diagnostics",
			"request_id": reqID,
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     status,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Debug("request_complete")
		return err
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// RenderError 以统一的 JSON 结构返回错误，并附带请求 ID。
func RenderError(c fiber.Ctx, status int, code, detail string) error {
	payload := fiber.Map{"error": code}
	if detail != "" {
		payload["detail"] = detail
	}
	if reqID := RequestID(c); reqID != "" {
		payload["request_id"] = reqID
	}
	return c.Status(status).JSON(payload)
}
