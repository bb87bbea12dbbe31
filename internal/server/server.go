package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/giftwallet/internal/config"
	"github.com/congo-pay/giftwallet/internal/metrics"
	"github.com/congo-pay/giftwallet/internal/middleware"
	"github.com/congo-pay/giftwallet/internal/notification"
	"github.com/congo-pay/giftwallet/internal/routes"
	"github.com/congo-pay/giftwallet/internal/wallet"
)

// Server wraps the Fiber application and shared dependencies.
type Server struct {
	app *fiber.App
	cfg config.Config
}

// Options carries the optional collaborators of New.
type Options struct {
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Events  notification.MessageWriter
	Metrics *metrics.Collectors
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, opts Options, logger *slog.Logger) (*Server, error) {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: ErrorHandler(logger),
	})

	if err := routes.Setup(app, routes.Deps{
		Cfg:     cfg,
		DB:      opts.DB,
		Cache:   opts.Cache,
		Events:  opts.Events,
		Logger:  logger,
		Metrics: opts.Metrics,
	}); err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg}, nil
}

// ErrorHandler renders every error as {"error": "..."}. Domain errors that
// escaped a handler unmapped get their status from wallet.StatusFor; internal
// failures are not echoed to the client.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var (
			fe   *fiber.Error
			code int
			msg  = err.Error()
		)
		if errors.As(err, &fe) {
			code = fe.Code
			msg = fe.Message
		} else {
			code = wallet.StatusFor(err)
			if code == http.StatusInternalServerError {
				logger.Error("unhandled error", slog.String("path", c.Path()), slog.Any("error", err))
				msg = http.StatusText(code)
			}
		}
		return c.Status(code).JSON(fiber.Map{
			"error":      msg,
			"request_id": middleware.RequestIDFrom(c),
		})
	}
}

// App exposes the underlying fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
