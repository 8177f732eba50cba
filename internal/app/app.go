package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kilekitabu/server/internal/module/credit"
	"github.com/kilekitabu/server/internal/module/fxrate"
	"github.com/kilekitabu/server/internal/module/payment"
	"github.com/kilekitabu/server/internal/module/payment/provider"
	sharedcache "github.com/kilekitabu/server/internal/shared/cache"
	"github.com/kilekitabu/server/internal/shared/config"
	"github.com/kilekitabu/server/internal/shared/database"
	"github.com/kilekitabu/server/internal/shared/logger"
	"github.com/kilekitabu/server/internal/utils/metrics"
	"github.com/kilekitabu/server/internal/utils/middleware"
)

// App represents the application.
type App struct {
	config *config.Config
	db     *gorm.DB
	redis  redis.UniversalClient
	router *gin.Engine
	logger *zap.Logger

	metrics *metrics.Metrics

	// Modules
	fxService      *fxrate.Service
	creditService  *credit.Service
	paymentService *payment.Service
	registry       *payment.Registry

	creditHandler  *credit.Handler
	paymentHandler *payment.Handler
	webhookHandler *payment.WebhookHandler
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  log,
		metrics: metrics.New("kilekitabu"),
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	if err := db.AutoMigrate(
		&credit.Account{},
		&credit.UsageEvent{},
		&payment.Record{},
		&payment.WebhookEvent{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// Redis is optional. Without it the FX cache falls back to memory and
	// rate limiting is disabled.
	if cfg.Redis.Address != "" {
		redisClient, err := sharedcache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis connection failed, continuing without it", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	if err := app.initModules(); err != nil {
		return nil, fmt.Errorf("init modules: %w", err)
	}

	app.router = app.setupRouter()

	return app, nil
}

// initModules builds the service graph.
func (a *App) initModules() error {
	cfg := a.config

	var fxCache fxrate.Cache
	if a.redis != nil {
		fxCache = fxrate.NewRedisCache(a.redis)
	} else {
		fxCache = fxrate.NewMemoryCache()
	}
	a.fxService = fxrate.NewService(fxCache, fxrate.DefaultSources(), &fxrate.Config{
		CacheTTL:     cfg.Fx.CacheTTL,
		FallbackRate: cfg.Fx.FallbackRate,
	}, a.logger)

	creditRepo := credit.NewRepository(a.db)
	a.creditService = credit.NewService(creditRepo, credit.Config{
		DailyRateKES:    cfg.Credit.DailyRateKES,
		FreeTrialDays:   cfg.Credit.FreeTrialDays,
		MonthlyCapKES:   cfg.Credit.MonthlyCapKES,
		MaxPrepayMonths: cfg.Credit.MaxPrepayMonths,
	}, a.logger)

	a.registry = payment.NewRegistry()
	a.registerProviders()

	paymentRepo := payment.NewRepository(a.db)
	a.paymentService = payment.NewService(
		paymentRepo,
		a.registry,
		a.creditService,
		a.fxService,
		payment.Config{
			DailyRateKES:      cfg.Credit.DailyRateKES,
			MinPaymentKES:     cfg.Credit.MinPaymentKES,
			AllowTestPayments: cfg.Payment.AllowTestPayments,
		},
		a.metrics,
		a.logger,
	)

	a.creditHandler = credit.NewHandler(a.creditService)
	a.paymentHandler = payment.NewHandler(a.paymentService)
	a.webhookHandler = payment.NewWebhookHandler(a.paymentService, a.logger)

	return nil
}

// registerProviders registers every provider whose credentials are
// configured. A missing provider is logged and skipped.
func (a *App) registerProviders() {
	cfg := a.config.Payment
	base := cfg.CallbackBaseURL

	if mp, err := provider.NewMpesaProvider(&provider.MpesaConfig{
		Environment:    cfg.Mpesa.Environment,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		Shortcode:      cfg.Mpesa.Shortcode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    base + "/webhooks/mpesa",
	}, a.logger); err != nil {
		a.logger.Info("mpesa provider not registered", zap.Error(err))
	} else {
		a.registry.Register(mp)
	}

	if pp, err := provider.NewPesapalProvider(&provider.PesapalConfig{
		Environment:    cfg.Pesapal.Environment,
		ConsumerKey:    cfg.Pesapal.ConsumerKey,
		ConsumerSecret: cfg.Pesapal.ConsumerSecret,
		CallbackURL:    cfg.Pesapal.CallbackURL,
		IPNURL:         base + "/webhooks/pesapal",
	}, a.logger); err != nil {
		a.logger.Info("pesapal provider not registered", zap.Error(err))
	} else {
		a.registry.Register(pp)
	}

	var cs *provider.CybersourceProvider
	if p, err := provider.NewCybersourceProvider(&provider.CybersourceConfig{
		Environment:   cfg.Cybersource.Environment,
		MerchantID:    cfg.Cybersource.MerchantID,
		APIKeyID:      cfg.Cybersource.APIKeyID,
		SecretKey:     cfg.Cybersource.SecretKey,
		WebhookSecret: cfg.Cybersource.WebhookSecret,
		TargetOrigin:  cfg.Cybersource.TargetOrigin,
	}, a.logger); err != nil {
		a.logger.Info("cybersource provider not registered", zap.Error(err))
	} else {
		cs = p
		a.registry.Register(cs)
	}

	var st *provider.StripeProvider
	if p, err := provider.NewStripeProvider(&provider.StripeConfig{
		APIKey:        cfg.Stripe.APIKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
	}, a.logger); err != nil {
		a.logger.Info("stripe provider not registered", zap.Error(err))
	} else {
		st = p
		a.registry.Register(st)
	}

	var processor provider.Adapter
	switch cfg.GooglePay.Processor {
	case provider.NameStripe:
		if st != nil {
			processor = st
		}
	default:
		if cs != nil {
			processor = cs
		}
	}
	if gp, err := provider.NewGooglePayProvider(processor, a.logger); err != nil {
		a.logger.Info("google_pay provider not registered", zap.Error(err))
	} else {
		a.registry.Register(gp)
	}

	a.logger.Info("payment providers registered",
		zap.Strings("providers", a.registry.List()),
	)
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.logger, a.metrics))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider callbacks; each adapter verifies its own scheme.
	webhooks := r.Group("/webhooks")
	a.webhookHandler.RegisterRoutes(webhooks)

	verifier := middleware.NewJWTVerifier(a.config.Auth.JWTSecret)

	var limiter middleware.RateLimiter
	if a.redis != nil {
		limiter = middleware.NewRedisRateLimiter(a.redis)
	}

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(verifier))
	api.Use(middleware.RateLimitByUser(limiter, 120, time.Minute))
	a.creditHandler.RegisterRoutes(api)
	a.paymentHandler.RegisterRoutes(api)

	cron := r.Group("/api")
	cron.Use(middleware.CronAuth(a.config.Auth.CronSecret))
	a.paymentHandler.RegisterCronRoutes(cron)

	return r
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Stop releases the application's resources.
func (a *App) Stop() {
	if a.redis != nil {
		if err := sharedcache.Close(a.redis); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
