package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"compliance-recorder/internal/audit"
	"compliance-recorder/internal/auth"
	"compliance-recorder/internal/blobstore"
	"compliance-recorder/internal/calls"
	"compliance-recorder/internal/config"
	"compliance-recorder/internal/events"
	"compliance-recorder/internal/metrics"
	"compliance-recorder/internal/recording"
	"compliance-recorder/internal/subscriptions"
	"compliance-recorder/internal/telemetry"
	"compliance-recorder/internal/telephony"
	"compliance-recorder/internal/webhook"
	"compliance-recorder/pkg/logger"
	"compliance-recorder/pkg/utils"
)

const callsResource = "communications/calls"

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

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Telemetry.TracingEnabled {
		shutdownTracing, err = telemetry.Init("compliance-recorder", "dev", nil)
		if err != nil {
			log.Error("telemetry init failed", "err", err)
			os.Exit(1)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a, err := build(rootCtx, cfg, m, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.start(rootCtx); err != nil {
		log.Error("background jobs failed to start", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(m.Middleware())
	registerRoutes(r, a, authManager, m)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "platform", cfg.Platform.Mode, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	a.shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("tracer shutdown failed", "err", err)
	}
}

// app holds the constructed components and the handles needed to stop them.
type app struct {
	cfg config.Config
	log *slog.Logger

	provider  telephony.Provider
	blobs     blobstore.Store
	blobInit  *blobstore.Initializer
	db        *sql.DB
	rdb       *redis.Client
	publisher events.Publisher

	audit         *audit.Service
	auditRepo     audit.Repository
	subscriptions *subscriptions.Manager
	scheduler     *subscriptions.Scheduler
	orchestrator  *recording.Orchestrator
	machine       *calls.Machine
	poller        *calls.Poller
	webhook       *webhook.Handler

	periodic []*utils.Periodic
}

func build(ctx context.Context, cfg config.Config, m *metrics.Metrics, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	var err error

	a.provider, err = openProvider(cfg, log)
	if err != nil {
		return nil, err
	}

	a.blobs, err = blobstore.Open(ctx, blobstore.Config{
		Backend:   cfg.Storage.Backend,
		Bucket:    cfg.Storage.Bucket,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	a.blobInit = blobstore.NewInitializer(a.blobs, blobstore.AllContainers()...)
	if err := a.blobInit.Ensure(ctx); err != nil {
		// Containers are retried lazily by the stores; startup continues.
		log.Warn("blob containers not ready", "err", err)
	}

	if cfg.HasPostgres() {
		a.db, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, err
		}
		repo := audit.NewPostgresRepo(a.db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		a.auditRepo = repo
	} else {
		a.auditRepo = audit.NewBlobRepo(a.blobs)
	}
	a.audit = audit.NewService(a.auditRepo, log).WithFailureCounter(m.AuditWriteFailures)

	if cfg.HasRedis() {
		a.rdb, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			return nil, err
		}
	}
	a.publisher = events.NewPublisher(cfg.NATS.URL, m, log)

	a.subscriptions = subscriptions.NewManager(a.provider,
		subscriptions.NewBlobStore(a.blobs, a.blobInit),
		subscriptions.ManagerConfig{
			NotificationURL: cfg.Webhook.NotificationURL,
			Lifetime:        cfg.Subscriptions.Lifetime,
			ClientState:     cfg.Webhook.ClientStateSecret,
		}, a.audit, m, log)
	a.scheduler = subscriptions.NewScheduler(a.subscriptions, cfg.Subscriptions.RenewalInterval, cfg.Subscriptions.RenewalThreshold, log)

	a.orchestrator = recording.NewOrchestrator(a.provider,
		recording.NewBlobStore(a.blobs, a.blobInit),
		a.blobs,
		recording.Options{
			MaxConcurrent:        cfg.Recording.MaxConcurrent,
			Retry:                recording.RetryPolicy{Attempts: cfg.Recording.RetryAttempts, BaseDelay: cfg.Recording.RetryBaseDelay},
			DefaultRetentionDays: cfg.Recording.DefaultRetention,
			AutoDelete:           cfg.Recording.AutoDelete,
		}, log).
		WithAudit(a.audit).
		WithEvents(a.publisher).
		WithMetrics(m).
		WithSubscriber(a.subscriptions)
	if a.rdb != nil {
		a.orchestrator.WithCache(recording.NewRedisCache(a.rdb, cfg.Recording.CacheTTL, log))
		if cfg.Recording.DistributedLocks {
			a.orchestrator.
				WithLocker(recording.NewRedisLocker(a.rdb, cfg.Recording.LockTTL, log)).
				WithGate(recording.NewRedisGate(a.rdb, cfg.Recording.MaxConcurrent, cfg.Recording.LockTTL, log))
		}
	} else {
		a.orchestrator.WithCache(recording.NewMemoryCache(cfg.Recording.CacheTTL))
	}

	a.machine = calls.NewMachine(a.orchestrator, a.provider, calls.Config{
		MaxWithoutRecording: cfg.Calls.MaxWithoutRecording,
		EvictionGrace:       cfg.Calls.EvictionGrace,
		CallbackURL:         cfg.Webhook.NotificationURL,
	}, a.audit, m, log)

	a.poller = calls.NewPoller(a.provider, a.machine, cfg.Calls.SeenWindow, log)
	// Polling only fills in while no call subscription is active.
	a.poller.ShouldPoll = func(ctx context.Context) bool {
		return !a.subscriptions.HasActiveSubscription(ctx, callsResource)
	}

	dispatcher := webhook.NewDispatcher(a.machine, a.orchestrator, a.provider, a.subscriptions, m, log)
	dispatcher.Reconcile = a.ensureSubscriptions
	dispatcher.Resync = a.poller.Poll
	a.webhook = webhook.NewHandler(a.subscriptions, dispatcher, cfg.Webhook.MaxBodyBytes, a.audit, m, log)

	return a, nil
}

func openProvider(cfg config.Config, log *slog.Logger) (telephony.Provider, error) {
	if cfg.Platform.Mode == "fake" {
		log.Warn("using in-memory platform; no real calls will be recorded")
		return telephony.NewFakeProvider(), nil
	}
	return telephony.NewGraphProvider(telephony.GraphConfig{
		BaseURL:      cfg.Platform.BaseURL,
		TokenURL:     cfg.Platform.TokenURL,
		ClientID:     cfg.Platform.ClientID,
		ClientSecret: cfg.Platform.ClientSecret,
		Timeout:      cfg.Platform.Timeout,
	}, log)
}

func (a *app) ensureSubscriptions(ctx context.Context) error {
	return a.subscriptions.EnsureSubscriptions(ctx, subscriptions.DefaultRequired(a.cfg.Subscriptions.Resources))
}

// start bootstraps subscriptions and launches the background loops.
func (a *app) start(ctx context.Context) error {
	if err := a.ensureSubscriptions(ctx); err != nil {
		// The scheduler and lifecycle reconcile retry; polling covers the gap.
		a.log.Error("subscription bootstrap incomplete", "err", err)
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	jobs := []struct {
		spec string
		fn   func(ctx context.Context)
	}{
		{every(a.cfg.Calls.SweepInterval), a.machine.RunSweep},
		{a.cfg.Recording.RetentionSchedule, func(ctx context.Context) { a.orchestrator.ApplyRetention(ctx, time.Now()) }},
	}
	if a.cfg.Calls.PollingEnabled {
		jobs = append(jobs, struct {
			spec string
			fn   func(ctx context.Context)
		}{every(a.cfg.Calls.PollingInterval), a.poller.Run})
	}
	for _, j := range jobs {
		p, err := utils.StartPeriodic(ctx, j.spec, j.fn)
		if err != nil {
			return err
		}
		a.periodic = append(a.periodic, p)
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// shutdown stops the loops, drains accepted notifications and removes the
// platform subscriptions so nothing is delivered to a stopped instance.
func (a *app) shutdown(ctx context.Context) {
	a.scheduler.Stop()
	for _, p := range a.periodic {
		p.Stop()
	}

	drained := make(chan struct{})
	go func() {
		a.webhook.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.log.Warn("notification drain timed out")
	}

	if err := a.subscriptions.DeleteAll(ctx); err != nil {
		a.log.Error("subscription cleanup failed", "err", err)
	}
}

// ready reports whether the process can serve: storage initialized and the
// platform reachable.
func (a *app) ready(ctx context.Context) error {
	if !a.blobInit.Ready() {
		if err := a.blobInit.Ensure(ctx); err != nil {
			return err
		}
	}
	if a.db != nil {
		if err := utils.HealthCheck(ctx, a.db, 2*time.Second); err != nil {
			return err
		}
	}
	return a.provider.HealthCheck(ctx)
}

func (a *app) close() {
	if err := a.publisher.Close(); err != nil {
		a.log.Warn("event publisher close failed", "err", err)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
