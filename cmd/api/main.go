package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/kamau-dev/backend-duka/internal/analytics"
	"github.com/kamau-dev/backend-duka/internal/app"
	"github.com/kamau-dev/backend-duka/internal/audit"
	"github.com/kamau-dev/backend-duka/internal/auth"
	"github.com/kamau-dev/backend-duka/internal/cache"
	"github.com/kamau-dev/backend-duka/internal/cart"
	"github.com/kamau-dev/backend-duka/internal/catalog"
	"github.com/kamau-dev/backend-duka/internal/checkout"
	"github.com/kamau-dev/backend-duka/internal/common"
	"github.com/kamau-dev/backend-duka/internal/config"
	"github.com/kamau-dev/backend-duka/internal/events"
	"github.com/kamau-dev/backend-duka/internal/favorites"
	"github.com/kamau-dev/backend-duka/internal/health"
	"github.com/kamau-dev/backend-duka/internal/lock"
	"github.com/kamau-dev/backend-duka/internal/notify"
	"github.com/kamau-dev/backend-duka/internal/obs"
	"github.com/kamau-dev/backend-duka/internal/order"
	"github.com/kamau-dev/backend-duka/internal/payment"
	"github.com/kamau-dev/backend-duka/internal/queue"
	"github.com/kamau-dev/backend-duka/internal/ratelimit"
	"github.com/kamau-dev/backend-duka/internal/region"
	"github.com/kamau-dev/backend-duka/internal/resilience"
	"github.com/kamau-dev/backend-duka/internal/rules"
	"github.com/kamau-dev/backend-duka/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "duka")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		sampling := envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0)
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "duka-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: sampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	if cfg.AutoMigrate {
		if err := app.Migrate(cfg); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	deps, err := app.New(initCtx, cfg, logger, "duka-api")
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()
	pool := deps.DB
	redisClient := deps.Redis

	verifier := auth.Verifier{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		Audience:  cfg.JWTAudience,
		ClockSkew: cfg.JWTSkew,
	}
	authMW := auth.Middleware{Verifier: verifier}

	rulesStore := &rules.Store{Pool: pool}
	ruleSource := &rules.Source{
		Repo:  rulesStore,
		Cache: cache.New(redisClient, cfg.RulesCacheTTL),
		Log:   logger,
	}

	catalogStore := &catalog.Store{DB: pool}
	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Queries:      catalogStore,
		Rules:        ruleSource,
		Cache:        cache.New(redisClient, cfg.CatalogCacheTTL),
		Currency:     cfg.CurrencyCode,
		DefaultPage:  cfg.CatalogDefaultPage,
		DefaultLimit: cfg.CatalogDefaultLimit,
		MaxLimit:     cfg.CatalogMaxLimit,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise catalog service")
	}
	catalogHandler := catalog.NewHandler(catalog.HandlerConfig{Service: catalogService})

	notifyStore := &notify.PGStore{Pool: pool}
	enqueuer := queue.Enqueuer{
		R:           redisClient,
		Prefix:      cfg.QueuePrefix,
		DedupTTL:    cfg.QueueDedupTTL,
		MaxAttempts: cfg.QueueMaxAttempts,
	}
	dispatcher := &notify.Dispatcher{
		Store:              notifyStore,
		Queue:              enqueuer,
		Client:             notify.HTTPClient(cfg.WebhookDeliveryTimeout),
		BackoffBase:        cfg.WebhookBackoffBase,
		BackoffJitter:      cfg.WebhookBackoffJitter,
		DefaultMaxAttempts: cfg.WebhookMaxAttempts,
		Enabled:            cfg.WebhookDeliveryEnabled,
		Replay:             notify.RedisReplayProtector{Client: redisClient},
		ReplayTTL:          cfg.WebhookReplayTTL,
		Log:                logger,
	}
	emailNotifier := notify.EmailNotifier{
		Mail:         notify.LogSender{Log: logger},
		Enabled:      cfg.NotifyEmailEnabled,
		TopicToggles: cfg.NotifyEmailTopics,
	}
	bus := &events.Bus{
		Store:     &events.PGStore{Pool: pool},
		Scheduler: dispatcher,
		Notifiers: []events.Notifier{emailNotifier},
	}

	rulesSvc := &rules.Service{
		Repo:     rulesStore,
		Validate: deps.Validate,
		Source:   ruleSource,
		Events:   bus,
		Log:      logger,
	}
	rulesHandler := &rules.Handler{Svc: rulesSvc}

	cartSvc := &cart.Service{
		Store:    &cart.Store{Client: redisClient, TTL: cfg.CartTTL},
		Products: catalogStore,
		Rules:    ruleSource,
		Currency: cfg.CurrencyCode,
	}
	cartHandler := &cart.Handler{Svc: cartSvc}

	orderStore := &order.Store{DB: pool}
	orderHandler := &order.Handler{
		Repo:         orderStore,
		DefaultLimit: cfg.CatalogDefaultLimit,
		MaxLimit:     cfg.CatalogMaxLimit,
	}
	orderAdmin := &order.AdminHandler{
		Repo:         orderStore,
		DefaultLimit: cfg.CatalogDefaultLimit,
		MaxLimit:     cfg.CatalogMaxLimit,
	}

	providers := map[string]payment.Provider{
		"mpesa": payment.Mpesa{
			ShortCode:     cfg.MpesaShortCode,
			WebhookSecret: cfg.MpesaWebhookSecret,
		},
		"cardgate": payment.CardGate{
			WebhookSecret: cfg.CardGateWebhookSecret,
			BaseURL:       cfg.CardGateBaseURL,
		},
	}
	activeProvider := providers[cfg.PaymentProvider]
	if activeProvider == nil {
		activeProvider = providers["mpesa"]
	}
	paymentSvc := &payment.Service{
		Payments:  &payment.Store{DB: pool},
		Orders:    orderStore,
		Provider:  activeProvider,
		IntentTTL: cfg.PaymentIntentTTL,
		Currency:  cfg.CurrencyCode,
	}
	paymentHandler := &payment.Handler{Svc: paymentSvc}
	webhookHandler := payment.Webhook{
		Providers: providers,
		Settler:   payment.TxSettler{Pool: pool},
		Replay:    redisClient,
		ReplayTTL: cfg.WebhookReplayTTL,
		Lock:      lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff},
		LockTTL:   cfg.LockTTL,
		Events:    bus,
		Log:       logger,
	}

	checkoutSvc := &checkout.Service{
		Cart:     cartSvc,
		Orders:   checkout.TxOrderCreator{Pool: pool},
		Payments: paymentSvc,
		Events:   bus,
		Log:      logger,
	}
	checkoutHandler := &checkout.Handler{Svc: checkoutSvc}

	favoritesHandler := &favorites.Handler{Repo: &favorites.Store{Pool: pool}}

	analyticsSvc := &analytics.Service{
		Q:            &analytics.Store{Pool: pool},
		Cache:        cache.New(redisClient, cfg.AnalyticsCacheTTL),
		DefaultRange: cfg.AnalyticsDefaultRange,
	}
	analyticsHandler := &analytics.Handler{Svc: analyticsSvc}

	auditStore := &audit.Store{Pool: pool}
	auditSvc := &audit.Service{
		Store:        auditStore,
		Enabled:      cfg.AuditEnabled,
		SamplingRate: cfg.AuditSamplingRate,
	}
	auditRecorder := audit.HTTPRecorder{
		Service: auditSvc,
		OnError: func(err error) { logger.Warn().Err(err).Msg("record audit entry") },
	}
	auditHandler := audit.Handler{Store: auditStore}

	queueAdmin := &queue.AdminHandler{
		Store:             queue.NewStore(pool),
		Queue:             enqueuer,
		PageSize:          50,
		Logger:            logger,
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
	}
	notifyAdmin := &notify.AdminHandler{Store: notifyStore, Disp: dispatcher}

	resolver := region.NewResolver(
		cfg.GeoIPBaseURL,
		cfg.DefaultRegion,
		&resilience.HTTPClient{
			Client:      &http.Client{Timeout: cfg.GeoIPTimeout},
			Breaker:     resilience.NewBreaker(10, 0.5, 30*time.Second),
			MaxAttempts: cfg.GeoIPMaxAttempts,
			Timeout:     cfg.GeoIPTimeout,
		},
		cache.New(redisClient, cfg.RegionCacheTTL),
		logger,
	)

	webhookLimiter := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl:webhook:"},
		Config: ratelimit.Config{
			Key: func(r *http.Request) string {
				return chi.URLParam(r, "provider") + ":" + common.ClientIP(r)
			},
			Window: cfg.WebhookRateWindow,
			Max:    cfg.WebhookRateMax,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("webhook rate limit check failed") },
	}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: cfg.SecurityHeadersEnabled}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", cart.CartTokenHeader},
		ExposedHeaders:   []string{"X-Total-Count", cart.CartTokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	auditWrites := auditMutations(auditRecorder.Middleware(audit.HTTPConfig{}))

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(authMW.Authenticate)
		v.Use(resolver.Middleware)

		v.Get("/products", catalogHandler.Products)
		v.Get("/products/{slug}", catalogHandler.ProductDetail)
		v.Get("/products/{slug}/related", catalogHandler.Related)

		v.Route("/cart", func(c chi.Router) {
			c.Use(idem.Middleware)
			cartHandler.Mount(c)
		})

		v.With(idem.Middleware, authMW.RequireAuth).Post("/checkout", checkoutHandler.Checkout)

		v.Group(func(authed chi.Router) {
			authed.Use(authMW.RequireAuth)
			authed.Get("/orders", orderHandler.List)
			authed.Get("/orders/{id}", orderHandler.Get)
			authed.Post("/orders/{id}/cancel", orderHandler.Cancel)
			authed.Route("/payments", func(p chi.Router) {
				p.Use(idem.Middleware)
				paymentHandler.Mount(p)
			})
			authed.Route("/favorites", func(f chi.Router) {
				favoritesHandler.Mount(f)
			})
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMW.RequireAdmin)
			admin.Use(auditWrites)
			admin.Route("/rules", func(rr chi.Router) {
				rulesHandler.Mount(rr)
			})
			admin.Get("/orders", orderAdmin.List)
			admin.Patch("/orders/{id}/status", orderAdmin.UpdateStatus)
			admin.Get("/audit", auditHandler.List)
			admin.Get("/analytics/sales", analyticsHandler.Sales)
			admin.Get("/analytics/top-products", analyticsHandler.TopProducts)
			admin.Get("/analytics/rule-usage", analyticsHandler.RuleUsage)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
			admin.Route("/webhooks", func(wr chi.Router) {
				notifyAdmin.Mount(wr)
			})
		})

		v.With(webhookLimiter.Middleware).Post("/payments/webhook/{provider}", webhookHandler.Handle)
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
		logger.Info().Msg("server stopped")
	}
}

// auditMutations applies the audit middleware to writes only; admin reads
// would otherwise flood the trail.
func auditMutations(record func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		audited := record(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
			default:
				audited.ServeHTTP(w, r)
			}
		})
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/allocs", pprof.Handler("allocs"))
	mux.Handle("/block", pprof.Handler("block"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/mutex", pprof.Handler("mutex"))
	mux.Handle("/threadcreate", pprof.Handler("threadcreate"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
