package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liana/backend/internal/application/authorization"
	appscope "github.com/liana/backend/internal/application/scope"
	"github.com/liana/backend/internal/application/smartfield"
	"github.com/liana/backend/internal/domain/schema"
	"github.com/liana/backend/internal/domain/scope"
	"github.com/liana/backend/internal/infrastructure/auth"
	"github.com/liana/backend/internal/infrastructure/cache"
	"github.com/liana/backend/internal/infrastructure/config"
	"github.com/liana/backend/internal/infrastructure/forestapi"
	"github.com/liana/backend/internal/infrastructure/logger"
	"github.com/liana/backend/internal/infrastructure/persistence"
	"github.com/liana/backend/internal/infrastructure/telemetry"
	"github.com/liana/backend/internal/interfaces/http/handler"
	"github.com/liana/backend/internal/interfaces/http/jsonapi"
	"github.com/liana/backend/internal/interfaces/http/middleware"
	"github.com/liana/backend/internal/interfaces/http/router"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting liana agent",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("forest_server", cfg.Forest.ServerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	mp, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	lp, err := telemetry.NewLoggerProvider(ctx, telemetry.LogsConfig{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	log = lp.Bridge(log, zapcore.InfoLevel)
	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilingEnabled,
		ServerAddress:   cfg.Telemetry.ProfilingServer,
		ApplicationName: cfg.Telemetry.ServiceName,
	}, log)
	if err != nil {
		log.Fatal("Failed to start profiler", zap.Error(err))
	}
	if profiler.IsEnabled() {
		tp.EnableSpanProfiles()
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabase(&cfg.Database, persistence.WithGormLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        cfg.Database.Driver,
	}, log); err != nil {
		log.Warn("Database tracing disabled", zap.Error(err))
	}
	db.LogStats(log)

	collections, err := persistence.Introspect(ctx, db.DB, persistence.WithIntrospectionLogger(log))
	if err != nil {
		log.Fatal("Failed to introspect database", zap.Error(err))
	}
	registry, err := schema.NewRegistry(collections...)
	if err != nil {
		log.Fatal("Invalid collection schema", zap.Error(err))
	}
	log.Info("Collections loaded", zap.Int("count", len(collections)))

	forest, err := forestapi.NewClient(forestapi.Config{
		ServerURL: cfg.Forest.ServerURL,
		EnvSecret: cfg.Forest.EnvSecret,
		Timeout:   cfg.Forest.RequestTimeout,
	}, forestapi.WithClientLogger(log))
	if err != nil {
		log.Fatal("Failed to create control plane client", zap.Error(err))
	}

	store, closeStore := scopeStore(ctx, cfg, log)
	defer closeStore()

	scopeMetrics, err := telemetry.NewScopeMetrics(mp.Meter("scope"))
	if err != nil {
		log.Fatal("Failed to create scope metrics", zap.Error(err))
	}
	scopes := appscope.NewResolver(forest, store,
		appscope.WithTTL(cfg.Forest.ScopeTTL),
		appscope.WithMetrics(scopeMetrics),
		appscope.WithLogger(log))
	repo := persistence.NewGormResourceRepository(db.DB, registry, persistence.WithRepositoryLogger(log))
	permissions := authorization.NewForestClient(forest, repo, registry,
		authorization.WithPermissionsTTL(cfg.Forest.PermissionsTTL),
		authorization.WithForestClientLogger(log))
	authz := authorization.NewService(permissions, scopes, repo, registry, authorization.WithServiceLogger(log))

	tokens := auth.NewTokenService(cfg.Forest.AuthSecret, 0)
	verifier := auth.NewSignedRequestVerifier(cfg.Forest.EnvSecret)
	serializer := jsonapi.NewSerializer(registry,
		smartfield.NewInjector(registry, smartfield.WithLogger(log)),
		jsonapi.WithPathPrefix(router.DefaultPrefix),
		jsonapi.WithLogger(log))

	perms := middleware.NewPermissions(middleware.PermissionConfig{
		Authorization: authz,
		Authenticity:  authorization.NewRequestAuthenticityResolver(verifier),
		Registry:      registry,
		Logger:        log,
	})
	handlers := router.Handlers{
		Health:    handler.NewHealthHandler(),
		Resources: handler.NewResourceHandler(registry, repo, scopes, authz, serializer, log),
		Actions:   handler.NewActionHandler(repo, authz, log),
		Stats:     handler.NewStatsHandler(registry, repo, scopes),
		Cache:     handler.NewCacheHandler(scopes, permissions, log),
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Order matters: the request id must exist before logging and tracing read it,
	// and errors are marked on the span opened by the tracing middleware.
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())
	engine.Use(middleware.CORSWithConfig(corsConfig(cfg.HTTP)))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.HTTPMetrics(mp))

	r := router.NewRouter(engine)
	for _, g := range router.ForestRoutes(handlers, middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
		Tokens: tokens,
		Logger: log,
	}), perms) {
		r.Register(g)
	}
	r.Setup()

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	scopes.Wait()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", zap.Error(err))
	}
	if err := mp.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush metrics", zap.Error(err))
	}
	if err := profiler.Stop(); err != nil {
		log.Error("Failed to stop profiler", zap.Error(err))
	}
	if err := lp.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush logs", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// scopeStore returns the scope cache: in memory for a single instance, or an
// in-memory tier over Redis when instances share scopes
func scopeStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (scope.Store, func()) {
	if !cfg.Redis.Enabled {
		return cache.NewInMemoryScopeStore(cache.WithInMemoryLogger(log)), func() {}
	}

	l2, err := cache.NewRedisScopeStore(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cache.WithCacheLogger(log))
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	tiered := cache.NewTieredScopeStore(l2,
		cache.WithL1TTL(cfg.Forest.ScopeTTL),
		cache.WithTieredLogger(log))
	if err := tiered.StartInvalidationSubscription(ctx); err != nil {
		log.Warn("Scope invalidations will not reach other instances", zap.Error(err))
	}
	log.Info("Scope cache backed by Redis", zap.String("addr", cfg.Redis.Addr()))

	return tiered, func() {
		if err := tiered.Close(); err != nil {
			log.Error("Error closing scope cache", zap.Error(err))
		}
	}
}

// corsConfig opens the API to the hosted admin UI, or to the configured origins
func corsConfig(cfg config.HTTPConfig) middleware.CORSConfig {
	c := middleware.DefaultCORSConfig()
	if len(cfg.CORSAllowOrigins) > 0 {
		c.AllowOrigins = cfg.CORSAllowOrigins
	}
	if len(cfg.CORSAllowMethods) > 0 {
		c.AllowMethods = cfg.CORSAllowMethods
	}
	if len(cfg.CORSAllowHeaders) > 0 {
		c.AllowHeaders = cfg.CORSAllowHeaders
	}
	return c
}
