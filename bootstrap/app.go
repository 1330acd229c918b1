// Package bootstrap builds the application's dependency graph from config.
// The HTTP server and the tipctl CLI share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shopassist/config"
	"shopassist/controllers"
	"shopassist/database"
	"shopassist/events"
	"shopassist/ledger"
	"shopassist/middleware"
	"shopassist/routes"
	"shopassist/scrapers"
	"shopassist/services"
	"shopassist/store"
	"shopassist/utils"

	"github.com/getsentry/sentry-go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const Version = "1.0.0"

// App holds every long-lived component.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Redis    *redis.Client
	DB       *gorm.DB
	Store    *store.TransactionStore
	Mpesa    *utils.MpesaClient
	Ledger   *ledger.TipLedger
	Events   *events.KafkaPublisher
	Tips     *services.TipService
	Products *services.ProductSearch
	Recs     *services.Recommender
	Verifier services.CallbackVerifier

	stopRouter func()
}

// New connects Redis (required) and the optional archive database and Kafka
// producer, then wires the services.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	rdb, err := database.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.Redis = rdb
	a.Store = store.NewTransactionStore(rdb, cfg.Store.Retention, store.WithLogger(logger))

	var archiver services.TipArchiver
	if cfg.Database.Enabled {
		db, err := database.Connect(cfg.Database, cfg.Env, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect archive database: %w", err)
		}
		a.DB = db
		a.Ledger = ledger.New(db, logger)
		if cfg.IsDevelopment() {
			if err := a.Ledger.Migrate(); err != nil {
				a.Close()
				return nil, fmt.Errorf("migrate archive database: %w", err)
			}
		}
		archiver = a.Ledger
	}

	var publisher services.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := events.NewKafkaPublisher(ctx, cfg.Kafka, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Events = pub
		publisher = pub
	}

	policy := services.TipPolicyFromConfig(cfg.Tips)
	a.Mpesa = utils.NewMpesaClient(cfg.Mpesa, nil, logger, utils.WithPushLimits(policy.PushLimits()))
	a.Tips = services.NewTipService(a.Store, a.Mpesa, archiver, publisher, logger, policy)

	a.Verifier, err = services.NewCallbackVerifier(cfg.Tips)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("callback verifier: %w", err)
	}

	opts := []scrapers.Option{
		scrapers.WithUserAgent(cfg.Products.UserAgent),
		scrapers.WithHTTPClient(&http.Client{Timeout: cfg.Products.SourceTimeout}),
		scrapers.WithLogger(logger),
	}
	sources := []services.ProductSource{
		scrapers.NewJumia(opts...),
		scrapers.NewAmazon(opts...),
		scrapers.NewEbay(opts...),
	}
	a.Products = services.NewProductSearch(rdb, sources, cfg.Products.CacheTTL, cfg.Products.SourceTimeout, logger)
	analyzer := services.NewQueryAnalyzer(utils.NewLLMClient(cfg.LLM, nil), logger)
	a.Recs = services.NewRecommender(analyzer, a.Products, cfg.Products.ResultLimit, logger)

	return a, nil
}

// Handler returns the router wrapped in the global middleware chain:
// logging, security headers, request id, max body, timeout, recovery.
func (a *App) Handler() http.Handler {
	cfg := a.Config
	var phoneLimiter *middleware.PhoneRateLimiter
	if cfg.Tips.PhoneMaxPerWindow > 0 {
		phoneLimiter = middleware.NewPhoneRateLimiter(a.Redis, cfg.Tips.PhoneMaxPerWindow, cfg.Tips.PhoneWindow,
			cfg.Tips.PhonePrefix, cfg.Tips.PhoneLength, a.Logger)
	}

	checks := map[string]controllers.HealthCheck{
		"redis": func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
	}
	if a.DB != nil {
		checks["database"] = func(ctx context.Context) error {
			sqlDB, err := a.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}

	router, stop := routes.InitRouter(routes.Deps{
		Tips:               controllers.NewTipController(a.Tips, a.Verifier, cfg.HTTP.TrustedProxies, a.Logger),
		Recommend:          controllers.NewRecommendController(a.Recs, a.Logger),
		Health:             &controllers.HealthController{Name: "shopassist", Version: Version, Checks: checks},
		PhoneLimiter:       phoneLimiter,
		AllowedOrigins:     cfg.HTTP.AllowedOrigins,
		TrustedProxies:     cfg.HTTP.TrustedProxies,
		CallbackAllowedIPs: cfg.Tips.CallbackAllowedIPs,
		RecommendPerMinute: cfg.HTTP.RecommendPerMinute,
		CallbackPerMinute:  cfg.HTTP.CallbackPerMinute,
	})
	if a.stopRouter != nil {
		a.stopRouter()
	}
	a.stopRouter = stop

	return middleware.RequestLogMiddleware(a.Logger, 0)(
		middleware.SecurityHeadersMiddleware(cfg.Env, cfg.HTTP.HSTS)(
			middleware.RequestIDMiddleware(
				middleware.MaxBodyMiddleware(cfg.HTTP.MaxBodyBytes)(
					middleware.TimeoutMiddleware(cfg.HTTP.RequestTimeout)(
						middleware.RecoveryMiddleware(a.Logger)(router),
					),
				),
			),
		),
	)
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() error {
	if a.stopRouter != nil {
		a.stopRouter()
		a.stopRouter = nil
	}
	var errs []error
	if a.Events != nil {
		errs = append(errs, a.Events.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}

// InitSentry configures error reporting when a DSN is set. The returned
// function flushes pending events.
func InitSentry(cfg config.Config, logger *slog.Logger) func() {
	if cfg.Sentry.DSN == "" {
		return func() {}
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Env,
		Release:     "shopassist@" + Version,
	})
	if err != nil {
		logger.Warn("sentry init failed", "error", err)
		return func() {}
	}
	return func() { sentry.Flush(2 * time.Second) }
}
