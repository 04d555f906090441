package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	httptransport "github.com/spec-kit/token-auth-service/internal/api/http"
	"github.com/spec-kit/token-auth-service/internal/api/http/handlers"
	"github.com/spec-kit/token-auth-service/internal/auth"
	"github.com/spec-kit/token-auth-service/internal/config"
	"github.com/spec-kit/token-auth-service/internal/observability"
	"github.com/spec-kit/token-auth-service/internal/persistence"
	"github.com/spec-kit/token-auth-service/internal/repository"
	"github.com/spec-kit/token-auth-service/internal/service"
	"github.com/spec-kit/token-auth-service/pkg/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pg.Close()

	if cfg.Postgres.RunMigrations {
		if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	redis := persistence.NewRedis(ctx, cfg.Redis, logger)
	defer redis.Close()

	if len(cfg.IgnoredJWT) > 0 {
		logger.Warn("ignoring unknown JWT_* variables", zap.Strings("variables", cfg.IgnoredJWT))
	}
	settings, err := tokens.ParseSettings(cfg.JWT,
		tokens.WithLogger(logger.Named("keyset")),
		tokens.WithHTTPClient(&http.Client{Timeout: cfg.Auth.KeySetHTTPTimeout()}),
		tokens.WithKeySetCache(persistence.NewKeySetCache(redis.Client), cfg.Auth.KeySetCacheTTL()),
	)
	if err != nil {
		logger.Fatal("invalid token settings", zap.Error(err))
	}
	logger.Info("token settings loaded",
		zap.String("algorithm", string(settings.Algorithm)),
		zap.Duration("access_lifetime", settings.AccessLifetime),
		zap.Duration("refresh_lifetime", settings.RefreshLifetime),
		zap.Bool("key_set", settings.KeySetURL != ""),
	)

	metrics := observability.NewMetrics()
	tokenManager := auth.NewTokenManager(settings, metrics, logger.Named("auth"))

	authService := service.NewAuthService(service.AuthDependencies{
		UserRepo:   repository.NewUserRepository(pg.PoolHandle()),
		Tokens:     tokenManager,
		BcryptCost: cfg.Auth.BcryptCost,
		Logger:     logger,
	})

	app := fiber.New(fiber.Config{AppName: cfg.App.Name, DisableStartupMessage: true})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())

	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health: handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, map[string]handlers.Pinger{
			"postgres": pg,
			"redis":    redis,
		}),
		Auth:          handlers.NewAuthHandler(authService),
		Authenticator: auth.NewAuthenticator(tokenManager),
		Metrics:       metrics,
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.App.Addr()))
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)

	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
