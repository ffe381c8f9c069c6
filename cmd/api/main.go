package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach-platform/internal/config"
	"outreach-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := build(rootCtx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.close()

	if err := run(rootCtx, a); err != nil {
		log.Error("outreach stopped with error", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains workers and the HTTP
// server within WORKERS_DRAIN_TIMEOUT.
func run(ctx context.Context, a *app) error {
	log := a.log
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range a.pools {
		p.Start(gctx)
	}
	if a.maintenance != nil {
		a.maintenance.Start()
	}

	var srv *http.Server
	if a.cfg.App.EnableAPI {
		r := gin.New()
		r.Use(gin.Recovery())
		r.Use(logger.Middleware(log))
		registerRoutes(r, a)

		handler := http.Handler(r)
		if len(a.cfg.App.CORSOrigins) > 0 {
			handler = cors.New(cors.Options{
				AllowedOrigins: a.cfg.App.CORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
			}).Handler(r)
		}

		srv = &http.Server{
			Addr:              a.cfg.HTTPAddr(),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			log.Info("api listening", "addr", srv.Addr, "env", a.cfg.App.Env)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Workers.DrainTimeout)
		defer cancel()

		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("http shutdown failed", "err", err)
			}
		}
		for _, p := range a.pools {
			if err := p.Drain(shutdownCtx); err != nil {
				log.Warn("pool drain incomplete", "pool", p.Kind(), "err", err)
			}
		}
		if a.maintenance != nil {
			a.maintenance.Stop(shutdownCtx)
		}
		_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
		return nil
	})

	return g.Wait()
}
