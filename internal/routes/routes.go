package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/giftwallet/internal/config"
	"github.com/congo-pay/giftwallet/internal/eligibility"
	"github.com/congo-pay/giftwallet/internal/issuing"
	"github.com/congo-pay/giftwallet/internal/ledger"
	"github.com/congo-pay/giftwallet/internal/metrics"
	"github.com/congo-pay/giftwallet/internal/middleware"
	"github.com/congo-pay/giftwallet/internal/notification"
	"github.com/congo-pay/giftwallet/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes. Events is
// optional; when set domain events are also written to Kafka.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Events  notification.MessageWriter
	Logger  *slog.Logger
	Metrics *metrics.Collectors

	// Processor overrides the processor selected from Cfg. Used by tests.
	Processor issuing.Processor
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	walletSvc, err := buildWallet(d)
	if err != nil {
		return err
	}
	walletHandler := wallet.NewHandler(walletSvc)

	// Processor webhooks authenticate with their signature, not a principal.
	RegisterWebhookRoutes(app, walletHandler)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("", middleware.Principal(d.Cfg.JWTSecret))
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}
	RegisterWalletRoutes(protected, walletHandler)
	cardLimiter := middleware.RateLimit(d.Cache, "cards", d.Cfg.CardRequestRate, d.Logger)
	RegisterCardRoutes(protected, walletHandler, cardLimiter)

	return nil
}

func buildWallet(d Deps) (*wallet.Service, error) {
	var (
		store ledger.Store
		cards issuing.Repository
	)
	if d.DB != nil {
		store = ledger.NewPostgresLedger(d.DB)
		cards = issuing.NewPostgresRepository(d.DB)
	} else {
		d.Logger.Warn("no database configured, using in-memory ledger and card store")
		store = ledger.NewInMemory()
		cards = issuing.NewMemoryRepository()
	}

	processor := d.Processor
	if processor == nil {
		var err error
		if processor, err = selectProcessor(d.Cfg, d.Logger); err != nil {
			return nil, err
		}
	}
	issuer := issuing.NewIssuer(processor, cards, d.Cfg.Currency, d.Logger,
		issuing.WithTimeout(d.Cfg.IssuerTimeout),
		issuing.WithMetrics(d.Metrics))
	gate := eligibility.NewGate(store, issuer, issuer, d.Cfg.FundingThreshold, d.Metrics)

	sinks := []notification.Sink{{Name: "log", Notifier: notification.NewLoggerNotifier(d.Logger)}}
	if d.Cache != nil {
		sinks = append(sinks, notification.Sink{Name: "redis", Notifier: notification.NewRedisNotifier(d.Cache, d.Cfg.EventsChannel)})
	}
	if d.Events != nil {
		sinks = append(sinks, notification.Sink{Name: "kafka", Notifier: notification.NewKafkaNotifier(d.Events)})
	}

	svc := wallet.NewService(wallet.Deps{
		Ledger:            store,
		Issuer:            issuer,
		Gate:              gate,
		Notifier:          notification.NewFanout(d.Logger, d.Metrics, sinks...),
		Logger:            d.Logger,
		Metrics:           d.Metrics,
		Currency:          d.Cfg.Currency,
		PlatformAccountID: d.Cfg.PlatformAccountID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap wallet: %w", err)
	}
	return svc, nil
}

func selectProcessor(cfg config.Config, logger *slog.Logger) (issuing.Processor, error) {
	if cfg.Stripe.SecretKey == "" {
		if !cfg.IsDev() || cfg.FakeIssuerSecret == "" {
			return nil, fmt.Errorf("stripe credentials are required when APP_ENV=%s", cfg.AppEnv)
		}
		logger.Warn("no STRIPE_SECRET_KEY configured, using the fake card processor")
		return issuing.NewFakeProcessor(cfg.FakeIssuerSecret), nil
	}
	return issuing.NewStripeProcessor(issuing.StripeConfig{
		SecretKey:         cfg.Stripe.SecretKey,
		WebhookSecret:     cfg.Stripe.WebhookSecret,
		APIURL:            cfg.Stripe.APIURL,
		BillingLine1:      cfg.Stripe.BillingLine1,
		BillingCity:       cfg.Stripe.BillingCity,
		BillingPostalCode: cfg.Stripe.BillingPostalCode,
		BillingCountry:    cfg.Stripe.BillingCountry,
	}), nil
}
