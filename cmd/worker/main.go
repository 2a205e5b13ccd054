package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crm-workflow-engine/internal/config"
	"crm-workflow-engine/internal/events"
	"crm-workflow-engine/internal/handlers"
	"crm-workflow-engine/internal/leader"
	"crm-workflow-engine/internal/models"
	"crm-workflow-engine/internal/queue"
	"crm-workflow-engine/internal/scheduler"
	"crm-workflow-engine/internal/store"
	"crm-workflow-engine/internal/telemetry"
	workerpool "crm-workflow-engine/internal/worker"
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

	var lease *leader.Lease
	if cfg.SchedulerEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		lease = leader.NewLease(redisClient, "workflow:scheduler:leader", instanceID(), cfg.LeaderLeaseTTL)
	}
	sched := scheduler.New(st, emitter, leaderOrNil(lease), scheduler.Options{
		PollInterval: cfg.SchedulerPollInterval,
	}, log)

	tenants := handlers.StaticTenants(cfg.TenantIDs)
	registry := workerpool.NewRegistry()
	registry.MustRegister(
		handlers.NewWebhookHandler(cfg.WebhookURL, log),
		handlers.NewLeadEnrichHandler(cfg.EnrichmentURL, log),
		handlers.NewLeadQualifyHandler(cfg.AIQualifyURL, log),
		handlers.NewCallSummarizeHandler(cfg.AIQualifyURL, log),
		handlers.NewScheduleTestimonialHandler(sched, 0, log),
		handlers.NewSendTestimonialHandler(cfg.WebhookURL, log),
		handlers.NewRetentionScanHandler(tenants, cfg.WebhookURL, log),
		handlers.NewDigestBuildHandler(tenants, cfg.WebhookURL, log),
	)
	// Every routed job type must have a handler before any loop starts.
	for eventType, jobTypes := range routing {
		for _, jt := range jobTypes {
			if _, ok := registry.Get(jt); !ok {
				log.Fatal("routed job type has no handler",
					zap.String("event_type", eventType), zap.String("job_type", jt))
			}
		}
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	if cfg.WorkerEnabled {
		pool := workerpool.NewPool(q, registry, workerpool.Options{
			Concurrency:    cfg.WorkerConcurrency,
			PollInterval:   cfg.WorkerPollInterval,
			ReaperInterval: cfg.ReaperInterval,
			WorkerIDPrefix: instanceID(),
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.Run(ctx)
		}()
		log.Info("worker pool started",
			zap.Int("concurrency", cfg.WorkerConcurrency),
			zap.Duration("poll_interval", cfg.WorkerPollInterval),
			zap.Duration("lock_timeout", cfg.LockTimeout))
	}
	if cfg.SchedulerEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sched.Run(ctx)
		}()
	}
	wg.Wait()

	if lease != nil {
		_ = lease.Release(context.Background())
	}
	log.Info("engine stopped")
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

func instanceID() string {
	if v := os.Getenv("WORKER_ID"); v != "" {
		return v
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return hostname
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

// leaderOrNil avoids handing the scheduler a typed nil interface.
func leaderOrNil(l *leader.Lease) scheduler.Leader {
	if l == nil {
		return nil
	}
	return l
}
