// Package main は認証ゲートウェイのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/KukuhKKH/diagram/internal/auth"
	"github.com/KukuhKKH/diagram/internal/config"
	"github.com/KukuhKKH/diagram/internal/logger"
	"github.com/KukuhKKH/diagram/internal/metrics"
	"github.com/KukuhKKH/diagram/internal/provider"
	"github.com/KukuhKKH/diagram/internal/users"
)

const serviceName = "diagram-auth"

func main() {
	// 設定の読み込み（これがないと何も起動できない）
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal("failed to load config", zap.Error(err))
	}

	logger.Init(logger.Config{Env: cfg.AppEnv, Level: cfg.LogLevel, ServiceName: serviceName})
	defer func() { _ = logger.Sync() }()
	log := logger.L()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return err
	}

	backend, err := setupSessionStore(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	repo, closeRepo, err := setupUserRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()
	userService := users.NewService(repo)

	idp, err := provider.New(ctx, provider.Config{
		Endpoint:     cfg.LogtoEndpoint,
		ClientID:     cfg.LogtoAppID,
		ClientSecret: cfg.LogtoAppSecret,
		RedirectURL:  cfg.LogtoRedirectURI,
	})
	if err != nil {
		return err
	}

	coordinator := auth.NewCoordinator(backend.store, cfg.SessionSecret, auth.CookieOptions{
		Name:   cfg.SessionCookieName,
		MaxAge: cfg.SessionMaxAge(),
		Secure: cfg.IsProduction(),
	})
	manager := auth.NewManager(coordinator, idp, auth.NewCallbackFlow(idp, userService), userService, auth.Options{
		FrontendURL: cfg.FrontendURL,
		ErrorPath:   cfg.ErrorRedirectPath,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), logger.Middleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{cfg.FrontendURL}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"X-CSRF-Token",
		"X-Request-ID",
	}
	router.Use(cors.New(corsConfig))
	router.Use(coordinator.Middleware())
	if cfg.CSRFEnforce {
		router.Use(auth.RequireCSRFHeader("/auth/callback"))
	}

	setupRoutes(router, cfg, manager, backend, reg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	backend.start(gctx, cfg)

	g.Go(func() error {
		log.Info("starting API server",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.AppEnv),
			zap.String("session_store", backend.store.Backend()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		backend.stop(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// setupRoutes はヘルスチェック・メトリクス・認証エンドポイントを登録します。
func setupRoutes(router *gin.Engine, cfg *config.Config, manager *auth.Manager, backend *sessionBackend, reg *prometheus.Registry) {
	router.GET("/health", healthHandler(backend))
	router.GET("/metrics", gin.WrapH(metrics.Handler(reg)))

	manager.RegisterRoutes(router, auth.StateSessions(cfg.SessionSecret, cfg.IsProduction()))
}

func healthHandler(backend *sessionBackend) gin.HandlerFunc {
	return func(c *gin.Context) {
		state := backend.state()
		status, code := "ok", http.StatusOK
		if state != "ready" {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":       status,
			"service":      serviceName,
			"sessionStore": backend.store.Backend(),
			"storeState":   state,
		})
	}
}
