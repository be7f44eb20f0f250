package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/api"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/archive"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/config"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/lifecycle"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/router"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedule"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/steps"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/tenants"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/validator"
)

// recurringKey is the Redis hash holding the job registry's recurring entries.
const recurringKey = "automations:recurring"

// app is the wired service. Broker workers are not running until start.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	redis *redis.Client
	pool  *pgxpool.Pool

	runs      runstore.RunStore
	flows     flowstore.FlowStore
	scheds    schedstore.Store
	projects  tenants.Store
	broker    *jobs.Broker
	lifecycle *lifecycle.Manager
	schedules *schedule.Manager
	archiver  *archive.S3Archiver
	validator *validator.Validator
	auth      *auth.Middleware

	closers []func() error
}

// build wires stores, the broker, the step router, the orchestrator and the
// two managers. Queue workers are registered but not started.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openStores(ctx); err != nil {
		a.close()
		return nil, err
	}

	if cfg.ArchiveBucket != "" {
		arch, err := archive.New(ctx, &archive.Config{
			Endpoint:        cfg.ArchiveEndpoint,
			Bucket:          cfg.ArchiveBucket,
			Region:          cfg.ArchiveRegion,
			AccessKeyID:     cfg.ArchiveAccessKey,
			SecretAccessKey: cfg.ArchiveSecretKey,
			UseSSL:          cfg.ArchiveUseSSL,
			PathPrefix:      cfg.ArchivePrefix,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("run archive: %w", err)
		}
		a.archiver = arch
		logger.Info("run archive enabled", slog.String("bucket", cfg.ArchiveBucket))
	}

	if cfg.AuthEnabled {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			a.close()
			return nil, fmt.Errorf("auth: %w", err)
		}
		a.auth = auth.NewMiddleware(provider, &auth.MiddlewareConfig{
			RequiredRoles: cfg.AuthRequiredRoles,
		}, logger.With("component", "auth"))
		logger.Info("api authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	v, err := validator.New()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("validator: %w", err)
	}
	a.validator = v

	var recurring jobs.RecurringStore = jobs.NewMemoryRecurringStore()
	if cfg.JobStore == config.BackendRedis {
		recurring = jobs.NewRedisRecurringStore(a.redis, recurringKey)
	}
	a.broker = jobs.NewBroker(recurring, logger.With("component", "jobs"), nil)

	policy := tenants.NewPolicy(a.projects, tenants.DefaultPlans, tenants.LogNotifier{Logger: logger})

	var db *steps.Database
	if a.pool != nil {
		db = steps.NewDatabase(a.pool)
	}
	registry := steps.NewDefaultRegistry(stepsConfig(cfg), db, logger.With("component", "steps"))

	rt := router.New(a.broker, policy, logger.With("component", "router"), &router.Config{
		FastWorkers:  cfg.FastWorkers,
		FastAttempts: cfg.FastAttempts,
		FastBackoff:  cfg.FastBackoff,
		FastTimeout:  cfg.StepTimeout,
		SlowWorkers:  cfg.SlowWorkers,
		SlowAttempts: cfg.SlowAttempts,
		SlowBackoff:  cfg.SlowBackoff,
		SlowTimeout:  cfg.SlowStepTimeout,
		MaxBackoff:   5 * time.Minute,
	})
	rt.Register(a.broker, registry)

	engine := orchestrator.New(rt, logger.With("component", "orchestrator"), &orchestrator.Config{
		MaxIterations: cfg.MaxIterations,
	})

	a.schedules = schedule.New(a.scheds, a.broker, a.flows, logger.With("component", "schedule"), &schedule.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		DrainInterval:     cfg.CleanupDrainInterval,
		Retention:         cfg.CleanupRetention,
	})

	deps := lifecycle.Deps{
		Runs:      a.runs,
		Workflows: a.flows,
		Engine:    engine,
		Queue:     a.broker,
		Usage:     policy,
		Orphans:   a.schedules,
	}
	if a.archiver != nil {
		deps.Archiver = a.archiver
	}
	a.lifecycle = lifecycle.New(deps, logger.With("component", "lifecycle"), &lifecycle.Config{
		RunWorkers: cfg.RunWorkers,
	})

	a.lifecycle.Register(a.broker)
	a.schedules.Register(a.broker, a.lifecycle)
	return a, nil
}

// connect opens the shared Redis client and the Postgres pool when any
// component needs them.
func (a *app) connect(ctx context.Context) error {
	if a.cfg.UsesRedis() {
		client, err := runstore.NewRedisClient(&runstore.RedisConfig{
			URL:          a.cfg.RedisURL,
			Password:     a.cfg.RedisPassword,
			DB:           a.cfg.RedisDB,
			PoolSize:     20,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, client.Close)
		a.logger.Info("connected to redis", slog.String("url", a.cfg.RedisURL))
	}

	if a.cfg.DatabaseURL != "" {
		pool, err := steps.OpenPool(ctx, a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		a.logger.Info("connected to postgres")
	} else if a.cfg.SchedStore == config.BackendPostgres {
		return errors.New("SCHEDSTORE=postgres requires DATABASE_URL")
	}
	return nil
}

func (a *app) openStores(ctx context.Context) error {
	storeCfg := &runstore.Config{
		EventMaxLen: a.cfg.EventMaxLen,
		TTLSeconds:  int64(a.cfg.RunStoreTTL.Seconds()),
	}
	if a.cfg.RunStore == config.BackendRedis {
		a.runs = runstore.NewRedisStore(a.redis, "runs", storeCfg)
	} else {
		a.runs = runstore.NewMemoryStore(storeCfg)
	}

	if a.cfg.FlowStore == config.BackendRedis {
		a.flows = flowstore.NewRedisStore(a.redis)
	} else {
		a.flows = flowstore.NewMemoryStore()
	}

	if a.cfg.TenantStore == config.BackendRedis {
		a.projects = tenants.NewRedisStore(a.redis)
	} else {
		a.projects = tenants.NewMemoryStore()
	}

	if a.cfg.SchedStore == config.BackendPostgres {
		pg := schedstore.NewPostgresStore(a.pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		a.scheds = pg
	} else {
		a.scheds = schedstore.NewMemoryStore()
	}

	// Stores close before the connections they share.
	a.closers = append([]func() error{a.runs.Close, a.flows.Close, a.projects.Close, a.scheds.Close}, a.closers...)

	a.logger.Info("stores ready",
		slog.String("runstore", a.cfg.RunStore),
		slog.String("flowstore", a.cfg.FlowStore),
		slog.String("schedstore", a.cfg.SchedStore),
		slog.String("tenantstore", a.cfg.TenantStore),
		slog.String("jobstore", a.cfg.JobStore),
	)
	return nil
}

func stepsConfig(cfg *config.Config) *steps.Config {
	sc := steps.DefaultConfig()
	sc.HTTPTimeout = cfg.StepTimeout
	sc.EmailAPIURL = cfg.EmailAPIURL
	sc.EmailAPIKey = cfg.EmailAPIKey
	sc.EmailFrom = cfg.EmailFrom
	sc.SMSAPIURL = cfg.SMSAPIURL
	sc.TwilioAccountSID = cfg.TwilioAccountSID
	sc.TwilioAuthToken = cfg.TwilioAuthToken
	sc.TwilioFrom = cfg.TwilioFrom
	sc.LLMAPIURL = cfg.LLMAPIURL
	sc.LLMAPIKey = cfg.LLMAPIKey
	sc.LLMModel = cfg.LLMModel
	sc.DatabaseURL = cfg.DatabaseURL
	return sc
}

// handler builds the HTTP API over the wired services.
func (a *app) handler() *api.Server {
	deps := api.Deps{
		Workflows: a.flows,
		Events:    a.runs,
		Runs:      a.lifecycle,
		Schedules: a.schedules,
		Projects:  a.projects,
		Validator: a.validator,
		Auth:      a.auth,
	}
	if a.archiver != nil {
		deps.Archive = a.archiver
	}
	return api.NewServer(api.NewHandlers(deps, a.cfg, a.logger.With("component", "api")))
}

// close releases stores and connections in order.
func (a *app) close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
