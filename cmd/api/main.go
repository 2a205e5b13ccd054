package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crm-workflow-engine/internal/api"
	"crm-workflow-engine/internal/config"
	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/scheduler"
	"crm-workflow-engine/internal/store"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.Env)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatal("migrations", zap.Error(err))
	}

	routing := events.DefaultRouting()
	if err := routing.Validate(models.KnownJobTypes); err != nil {
		log.Fatal("routing table", zap.Error(err))
	}

	emitter := events.NewEmitter(st, routing, cfg.JobMaxAttempts, log)
	q := queue.NewService(st, emitter, queue.Options{
		BaseBackoff:        cfg.JobBaseBackoff,
		DefaultMaxAttempts: cfg.JobMaxAttempts,
		LockTimeout:        cfg.LockTimeout,
	}, log)
	// The API only registers one-off tasks; its scheduler never ticks.
	sched := scheduler.New(st, emitter, nil, scheduler.Options{}, log)

	server := api.New(cfg, emitter, q, sched, st)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	var log *zap.Logger
	var err error
	if env == "prod" || env == "production" {
		log, err = zap.NewProduction()
	} else {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		panic(err)
	}
	return log
}
