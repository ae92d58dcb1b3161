package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/auth"
	"territoria.org/internal/catalog"
	"territoria.org/internal/config"
	"territoria.org/internal/httpapi"
	"territoria.org/internal/jobs"
	"territoria.org/internal/obs"
	"territoria.org/internal/store/pg"
	"territoria.org/internal/stream"
	"territoria.org/internal/users"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}
	obs.SetLevel(cfg.LogLevel)
	auth.SetSecret(cfg.AuthSecret)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.PGDSN, pg.WithMaxOpenConns(cfg.DBMaxOpenConns))
	if err != nil {
		log.WithError(err).Fatal("open db")
	}

	writer, err := audit.NewWriter(store,
		audit.WithQueueSize(cfg.AuditQueue),
		audit.WithNames(store),
	)
	if err != nil {
		log.WithError(err).Fatal("audit writer")
	}
	hub := stream.New()

	engine, err := access.NewEngine(store,
		access.WithPolicy(cfg.Policy),
		access.WithViewPermission(cfg.ViewPermission),
		access.WithListener(writer),
		access.WithListener(hub),
	)
	if err != nil {
		log.WithError(err).Fatal("access engine")
	}
	userSvc, err := users.NewService(store, engine, store,
		users.WithAuditor(writer),
		users.WithTokenTTL(cfg.TokenTTL),
	)
	if err != nil {
		log.WithError(err).Fatal("user service")
	}
	catalogSvc, err := catalog.NewService(store, writer)
	if err != nil {
		log.WithError(err).Fatal("catalog service")
	}

	sched := jobs.NewScheduler()
	if cfg.GrantRetention > 0 {
		if err := sched.Add(cfg.PurgeSchedule, jobs.NewPurgeGrantsJob(engine, cfg.GrantRetention)); err != nil {
			log.WithError(err).Fatal("schedule grant purge")
		}
	}
	sched.Start()

	api := httpapi.New(httpapi.Deps{
		Users:       userSvc,
		Catalog:     catalogSvc,
		Audit:       writer,
		Events:      hub,
		Ready:       httpapi.ReadyProbe{DB: store.DB()},
		Version:     version,
		RateBurst:   cfg.RateBurst,
		RatePerSec:  cfg.RatePerSec,
		CORSOrigins: cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithField("addr", srv.Addr).WithField("version", version).
		WithField("policy", string(cfg.Policy)).Info("starting territoria-api")

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := sched.Stop(ctx); err != nil {
		log.WithError(err).Warn("scheduler stop")
	}
	if err := writer.Close(ctx); err != nil {
		log.WithError(err).Warn("audit writer drain")
	}
	_ = store.Close()
	log.Info("stopped")
}
