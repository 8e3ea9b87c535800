// Command fedisync runs the timeline sync engine behind its HTTP API.
//
//	@title			fedi-timeline-sync API
//	@version		1.0
//	@description	Multi-account Mastodon timeline sync and cache: timeline configuration, merged projections, live updates and stream control.
//	@BasePath		/api/v1
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/fedi-timeline-sync/internal/config"
	"github.com/tbourn/fedi-timeline-sync/internal/domain"
	"github.com/tbourn/fedi-timeline-sync/internal/engine"
	httpapi "github.com/tbourn/fedi-timeline-sync/internal/http"
	"github.com/tbourn/fedi-timeline-sync/internal/observability"
	"github.com/tbourn/fedi-timeline-sync/internal/repo"
	"github.com/tbourn/fedi-timeline-sync/internal/services"
	"github.com/tbourn/fedi-timeline-sync/internal/stream"
	"github.com/tbourn/fedi-timeline-sync/internal/sysutil"
)

// version is set at build time with -ldflags "-X main.version=...".
var version string

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("could not read .env")
	}

	cfg := config.MustLoad()
	sysutil.SetupLogger(os.Stdout, cfg.LogLevel, cfg.LogPretty, cfg.OTEL.ServiceName)
	ver := sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"), "dev")

	if err := run(cfg, ver); err != nil {
		log.Fatal().Err(err).Msg("fedisync exited")
	}
}

func run(cfg config.Config, ver string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingConfig(cfg.OTEL), ver)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	accts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Options{
		DB:              db,
		Accounts:        accts,
		Retention:       retentionConfig(cfg.Retention),
		Stream:          stream.Config(cfg.Stream),
		ProjectionLimit: cfg.ProjectionLimit,
		PageSize:        cfg.PageSize,
		FetchRPS:        cfg.FetchRPS,
		FetchBurst:      cfg.FetchBurst,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, eng, cfg)

	// Event streams only end when their request context does.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelBase)

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", ver).
			Int("accounts", len(accts)).
			Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case err := <-errc:
		if err != nil {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return nil
}

func retentionConfig(r config.RetentionConfig) services.RetentionConfig {
	return services.RetentionConfig{
		TTL:      r.TTL,
		Interval: r.Interval,
		Caps: map[domain.TimelineType]int{
			domain.TimelineHome:   r.MaxHome,
			domain.TimelineLocal:  r.MaxLocal,
			domain.TimelinePublic: r.MaxPublic,
			domain.TimelineTag:    r.MaxTag,
		},
		NotificationCap: r.MaxNotifications,
	}
}
