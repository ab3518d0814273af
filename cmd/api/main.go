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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-lms/internal/audit"
	"github.com/noah-isme/backend-lms/internal/auth"
	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/cart"
	"github.com/noah-isme/backend-lms/internal/catalog"
	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/config"
	"github.com/noah-isme/backend-lms/internal/events"
	"github.com/noah-isme/backend-lms/internal/health"
	"github.com/noah-isme/backend-lms/internal/lock"
	"github.com/noah-isme/backend-lms/internal/notify"
	"github.com/noah-isme/backend-lms/internal/obs"
	"github.com/noah-isme/backend-lms/internal/order"
	"github.com/noah-isme/backend-lms/internal/payment"
	"github.com/noah-isme/backend-lms/internal/promo"
	"github.com/noah-isme/backend-lms/internal/queue"
	"github.com/noah-isme/backend-lms/internal/ratelimit"
	"github.com/noah-isme/backend-lms/internal/resilience"
	"github.com/noah-isme/backend-lms/internal/security"
	"github.com/noah-isme/backend-lms/internal/tax"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logFormat := envOrDefault("OBS_LOG_FORMAT", "json")
	logLevel := envOrDefault("OBS_LOG_LEVEL", "info")
	logger := obs.NewLogger(logFormat, logLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "lms")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "lms-api",
			Endpoint:      envOrDefault("OBS_OTLP_ENDPOINT", ""),
			Exporter:      envOrDefault("OBS_TRACING_EXPORTER", "otlp"),
			SamplingRatio: envFloat("OBS_TRACING_SAMPLING_RATIO", 1.0),
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := mustInitDatabase(ctx, cfg, logger)
	defer pool.Close()

	redisClient := mustInitRedis(ctx, cfg, logger, metricsEnabled)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}
	authMiddleware := auth.Middleware{Verifier: verifier}

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL, Prefix: "idem"}
	locker := lock.Locker{R: redisClient, RetryBackoff: cfg.LockRetryBackoff}
	retryQueue := &queue.Enqueuer{R: redisClient, Prefix: cfg.QueueRedisPrefix, DedupTTL: cfg.IdempotencyTTL, MaxAttempts: cfg.QueueMaxAttempts}

	promoSvc := promo.NewService(promo.PGStore{DB: pool}, cache.New(redisClient, cfg.PromoCacheTTL))
	promoHandler := promo.NewHandler(promo.HandlerConfig{Service: promoSvc})
	promoQuota, err := ratelimit.NewQuota(redisClient, "promo", cfg.PromoRateLimit)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise promo quota")
	}

	taxResolver := tax.Resolver{Store: tax.PGStore{DB: pool}, Cache: cache.New(redisClient, cfg.TaxCacheTTL)}
	cartSvc := &cart.Service{Store: cart.PGStore{DB: pool}, Promos: promoSvc, Taxes: taxResolver, Now: common.UTCNow}
	cartHandler := &cart.Handler{Svc: cartSvc}

	catalogHandler := &catalog.Handler{Svc: &catalog.Service{
		Store:          catalog.PGStore{DB: pool},
		Cache:          cache.New(redisClient, cfg.CatalogCacheTTL),
		Taxes:          taxResolver,
		DefaultPerPage: 20,
		Now:            common.UTCNow,
	}}

	inbox := notify.DatabaseChannel{DB: pool}
	devices := notify.DeviceStore{DB: pool}
	channels := []notify.Channel{
		inbox,
		notify.MailChannel{
			Mail:  common.LogEmailSender{Logger: logger.With().Str("component", "mail").Logger(), From: cfg.MailFrom},
			Retry: retryQueue,
		},
	}
	if cfg.FCMProjectID != "" {
		fcm, err := notify.NewFCMSender(ctx, notify.FCMConfig{ProjectID: cfg.FCMProjectID, CredentialsFile: cfg.FCMCredentialsFile})
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise fcm")
		}
		channels = append(channels, notify.PushChannel{Sender: fcm, Retry: retryQueue})
	} else {
		logger.Warn().Msg("fcm_disabled")
	}
	notifyLogger := logger.With().Str("component", "notify").Logger()
	dispatcher := &notify.Dispatcher{Channels: channels, Logger: &notifyLogger}
	bus := &events.Bus{
		Store:     events.PGStore{DB: pool},
		Notifiers: []events.Notifier{notify.EventNotifier{Dispatcher: dispatcher, Tokens: devices}},
	}

	gateways, err := payment.FromConfig(cfg.Gateways, gatewayClients(cfg, logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment gateways")
	}
	if len(gateways.Enabled()) == 0 {
		logger.Warn().Msg("no payment gateway enabled; only free checkouts will succeed")
	}

	orderSvc := &order.Service{
		Store:    order.PGStore{DB: pool, Tx: pool},
		Carts:    cartSvc,
		Gateways: gateways,
		Bus:      bus,
		Locker:   locker,
		LockTTL:  cfg.LockTTL,
		Currency: cfg.DefaultCurrency,
		Now:      common.UTCNow,
	}
	orderHandler := &order.Handler{Svc: orderSvc}
	paymentWebhook := payment.Webhook{
		Gateways:  gateways,
		Settler:   order.Settlement{Svc: orderSvc},
		Replay:    redisClient,
		ReplayTTL: 24 * time.Hour,
	}

	notifyHandler := &notify.Handler{Inbox: inbox, Devices: devices}
	notifyAdmin := &notify.AdminHandler{Redis: redisClient, Prefix: cfg.QueueRedisPrefix}

	auditStore := audit.PGStore{DB: pool}
	auditRecorder := audit.HTTPRecorder{
		Service: &audit.Service{Store: auditStore, Enabled: cfg.AuditEnabled, SamplingRate: cfg.AuditSamplingRate},
		OnError: func(err error) { logger.Error().Err(err).Msg("audit_record_failed") },
	}
	auditHandler := audit.Handler{Store: auditStore}

	checkoutLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "rl"},
		Config: ratelimit.Config{
			Key:    ratelimit.ByUser("checkout"),
			Window: cfg.CheckoutRateLimitWindow,
			Max:    cfg.CheckoutRateLimitMax,
		},
		OnError: func(err error) { logger.Error().Err(err).Msg("checkout_rate_limit_store_failed") },
	}

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
		r.Use(obs.SpanRouteMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.IsProduction(), HSTSMaxAge: 31536000}.Middleware)
	r.Use(security.CORS(strings.Join(allowedOrigins(cfg), ",")))
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", !cfg.IsProduction()) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      health.Probes{DB: pool, Redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Gateways:     gateways.Names,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Post("/payments/{gateway}/webhook", paymentWebhook.Handle)
		v.Get("/courses", catalogHandler.List)
		v.Get("/courses/{id}", catalogHandler.Get)

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)

			authR.Route("/cart", func(c chi.Router) {
				c.Get("/", cartHandler.Get)
				c.Post("/courses", cartHandler.AddCourse)
				c.Delete("/courses/{courseID}", cartHandler.RemoveCourse)
				c.With(promoQuota.Middleware(ratelimit.ByUser("promo"))).Post("/courses/{courseID}/promo", cartHandler.ApplyPromo)
				c.Delete("/courses/{courseID}/promo", cartHandler.RemovePromo)
			})

			authR.With(checkoutLimit.Middleware, idem.Middleware).Post("/checkout", orderHandler.Checkout)

			authR.Get("/orders", orderHandler.List)
			authR.Get("/orders/{id}", orderHandler.Get)
			authR.With(idem.Middleware).Post("/orders/{id}/refunds", orderHandler.Refund)

			authR.Get("/notifications", notifyHandler.List)
			authR.Post("/notifications/{id}/read", notifyHandler.MarkRead)
			authR.Post("/notifications/devices", notifyHandler.RegisterDevice)
			authR.Delete("/notifications/devices/{token}", notifyHandler.UnregisterDevice)

			authR.Route("/admin", func(admin chi.Router) {
				admin.Use(auth.RequireRole("admin", "instructor"))
				admin.With(auditRecorder.Middleware(audit.HTTPConfig{Action: "promo.create", ResourceType: "promo_code"})).
					Post("/promo-codes", promoHandler.Create)
				admin.Get("/promo-codes", promoHandler.List)
				admin.Get("/promo-codes/{id}", promoHandler.Get)
				admin.With(
					auth.RequireRole("admin"),
					idem.Middleware,
					auditRecorder.Middleware(audit.HTTPConfig{Action: "order.refund", ResourceType: "order", ResourceIDParam: "id"}),
				).Post("/orders/{id}/refunds", orderHandler.AdminRefund)
				admin.With(auth.RequireRole("admin")).Get("/audit-logs", auditHandler.List)
				admin.With(auth.RequireRole("admin")).Get("/notifications/dead-letters", notifyAdmin.DeadLetters)
			})
		})
	})

	var handler http.Handler = r
	if tracingEnabled {
		handler = otelhttp.NewHandler(r, "lms-api")
	}
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Strs("gateways", gateways.Names()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

// gatewayClients gives every HTTP gateway its own breaker and retry budget.
func gatewayClients(cfg *config.Config, logger zerolog.Logger) payment.ClientFunc {
	return func(m payment.Method) *resilience.HTTPClient {
		gwLogger := logger.With().Str("gateway", string(m)).Logger()
		return &resilience.HTTPClient{
			Client: &http.Client{Timeout: cfg.OutboundTimeout + 5*time.Second},
			Breaker: resilience.NewBreaker(cfg.CircuitMinRequests, cfg.CircuitFailureRate, cfg.CircuitOpenFor).
				WithTarget(string(m)).
				WithLogger(gwLogger),
			Target:      string(m),
			Logger:      &gwLogger,
			BaseBackoff: cfg.RetryBase,
			MaxAttempts: cfg.RetryMaxAttempts,
			Jitter:      cfg.RetryJitterPercent,
			Timeout:     cfg.OutboundTimeout,
		}
	}
}

func mustInitDatabase(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *pgxpool.Pool {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse database config")
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "lms-api"

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	if err := pool.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}
	return pool
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger, metrics bool) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if metrics {
		if err := redisotel.InstrumentMetrics(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
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
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
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
