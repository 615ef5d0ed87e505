package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/onkostar/mtbexport/internal/config"
	"github.com/onkostar/mtbexport/internal/domain/export"
	"github.com/onkostar/mtbexport/internal/domain/mtb"
	"github.com/onkostar/mtbexport/internal/platform/auth"
	"github.com/onkostar/mtbexport/internal/platform/blobstore"
	"github.com/onkostar/mtbexport/internal/platform/db"
	"github.com/onkostar/mtbexport/internal/platform/middleware"
	"github.com/onkostar/mtbexport/internal/platform/telemetry"
)

const requestTimeout = 30 * time.Second

func runServer(parent context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := mtb.LoadProfileFile(cfg.ProfileFile)
	if err != nil {
		return err
	}
	logger.Info().Str("profile_version", profile.Version).Msg("mapping profile loaded")

	d, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	logger.Info().Str("driver", string(d.Driver())).Msg("connected to source database")

	metrics := telemetry.New(telemetry.Config{ServiceVersion: version, RuntimeMetrics: true})

	ecfg, err := exportConfig(cfg)
	if err != nil {
		return err
	}
	svc := export.NewService(d, profile, ecfg, export.NewMemoryRunRepo(cfg.RunHistory), logger)
	svc.SetMetrics(metrics)
	if cfg.RequireStore() == nil {
		st, err := blobstore.Open(ctx, storeConfig(cfg))
		if err != nil {
			return err
		}
		svc.SetStore(st)
	} else {
		logger.Warn().Msg("no artifact store configured; exports can only be streamed")
	}

	e := newServer(cfg, logger, d, metrics, svc)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newServer(cfg *config.Config, logger zerolog.Logger, d db.DB, metrics *telemetry.Metrics, svc *export.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(requestTimeout, "/api/v1/exports", "/api/v1/exports/:id/artifact"))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("authentication disabled in development mode")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	export.NewHandler(svc, logger).RegisterRoutes(apiV1)
	return e
}
