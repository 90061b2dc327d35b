package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/container"
	"github.com/compozy/taskengine/engine/container/docker"
	"github.com/compozy/taskengine/engine/dispatch"
	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/engine/infra/memory"
	"github.com/compozy/taskengine/engine/infra/monitoring"
	"github.com/compozy/taskengine/engine/infra/postgres"
	"github.com/compozy/taskengine/engine/infra/server/middleware/ratelimit"
	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/engine/infra/server/routes"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/storage/s3presign"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/task/chain"
	"github.com/compozy/taskengine/engine/worker"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/compozy/taskengine/engine/worker/driver"
	"github.com/compozy/taskengine/engine/worker/hook"
	hookrouter "github.com/compozy/taskengine/engine/worker/hook/router"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/compozy/taskengine/pkg/tplengine"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	localClaimCapacity = 4096
	dockerPingTimeout  = 30 * time.Second
	idempotencyTTL     = 24 * time.Hour
)

// State is everything the HTTP layer and the scheduler need.
type State struct {
	Tasks       *task.Service
	Registry    *app.Registry
	Dispatcher  *dispatch.Dispatcher
	Scheduler   *dispatch.Scheduler
	Hooks       *hook.Service
	Issuer      *credential.Issuer
	Verifier    hookrouter.Verifier
	Idempotency *router.APIIdempotency
	Monitoring  *monitoring.Service
	// RateLimit guards the task API; nil when disabled.
	RateLimit gin.HandlerFunc
	// Checks are pinged by /healthz, keyed by component name.
	Checks map[string]func(context.Context) error
}

// PostgresConfig converts the loaded settings to the driver config.
func PostgresConfig(cfg *config.DatabaseConfig) *postgres.Config {
	return &postgres.Config{
		ConnString:      cfg.ConnString.Value(),
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password.Value(),
		DBName:          cfg.DBName,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func redisConfig(cfg *config.RedisConfig) *cache.Config {
	return &cache.Config{
		URL:      cfg.URL.Value(),
		Host:     cfg.Host,
		Port:     cfg.Port,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
}

func dockerHosts(cfg *config.DockerConfig) []docker.HostConfig {
	out := make([]docker.HostConfig, 0, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		out = append(out, docker.HostConfig{
			ID:       h.ID,
			Host:     h.Host,
			Username: h.Username,
			Password: h.Password.Value(),
			Token:    h.Token.Value(),
		})
	}
	return out
}

func s3Config(cfg *config.StorageConfig) *s3presign.Config {
	folders := make(map[string]s3presign.Folder, len(cfg.Folders))
	for id, f := range cfg.Folders {
		folders[id] = s3presign.Folder{Bucket: f.Bucket, Prefix: f.Prefix}
	}
	return &s3presign.Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey.Value(),
		UsePathStyle:    cfg.UsePathStyle,
		Folders:         folders,
	}
}

func appendCleanup(cleanups []func(), cleanup func()) []func() {
	if cleanup == nil {
		return cleanups
	}
	return append(cleanups, cleanup)
}

// setupStore opens the task repository. The memory driver needs no
// cleanup and has no health check.
func (s *Server) setupStore() (task.Repository, prometheus.Collector, func(context.Context) error, func(), error) {
	log := logger.FromContext(s.ctx)
	if s.cfg.Database.Driver == "memory" {
		log.Warn("Using the in-memory task store; tasks are lost on restart")
		return memory.NewTaskRepo(), nil, nil, nil, nil
	}
	pgCfg := PostgresConfig(&s.cfg.Database)
	if s.cfg.Database.AutoMigrate {
		if err := postgres.ApplyMigrationsWithLock(s.ctx, pgCfg.DSN()); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	store, err := postgres.NewStore(s.ctx, pgCfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := store.Close(ctx); err != nil {
			log.Error("Failed to close task store", "error", err)
		}
	}
	return store.TaskRepo(), store.Collector(), store.HealthCheck, cleanup, nil
}

// setupRedis connects when Redis is configured. Without it the engine runs
// single-instance with process-local claims and rate limit counters.
func (s *Server) setupRedis() (*cache.Redis, func(), error) {
	rc := redisConfig(&s.cfg.Redis)
	if !rc.Enabled() {
		logger.FromContext(s.ctx).Info("Redis not configured; ticks, idempotency keys and rate limits stay local")
		return nil, nil, nil
	}
	r, err := cache.NewRedis(s.ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := r.Close(); err != nil {
			logger.FromContext(s.ctx).Error("Failed to close redis", "error", err)
		}
	}
	return r, cleanup, nil
}

func (s *Server) setupRateLimit(r *cache.Redis, mon *monitoring.Service) (gin.HandlerFunc, error) {
	cfg := &s.cfg.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Limit = cfg.Limit
	if cfg.Period > 0 {
		rlCfg.Period = cfg.Period
	}
	var client redis.UniversalClient
	if r != nil {
		client = r.Client()
	}
	return ratelimit.NewMiddleware(rlCfg, client, ratelimit.WithBlockedHook(mon.RecordRateLimited))
}

// setupContainers connects every configured host. With no hosts the
// orchestrator is still built so container handlers fail their jobs with a
// configuration error instead of staying pending.
func (s *Server) setupContainers(metrics container.Metrics) (*container.Orchestrator, func(), error) {
	adapters, err := docker.NewAll(dockerHosts(&s.cfg.Docker))
	if err != nil {
		return nil, nil, err
	}
	opts := []container.Option{
		container.WithPlatformID(s.cfg.Docker.PlatformID),
		container.WithMetrics(metrics),
		container.WithPullBackoff(s.cfg.Docker.PullRetries, s.cfg.Docker.PullBackoff),
	}
	if len(s.cfg.Docker.AgentCommand) > 0 {
		opts = append(opts, container.WithAgentCommand(s.cfg.Docker.AgentCommand))
	}
	orch := container.NewOrchestrator(adapters, opts...)
	if len(adapters) > 0 {
		pingCtx, cancel := context.WithTimeout(s.ctx, dockerPingTimeout)
		defer cancel()
		if err := orch.PingAll(pingCtx); err != nil {
			logger.FromContext(s.ctx).Warn("Some container hosts are unreachable", "error", err)
		}
		if image := s.cfg.Docker.SmokeImage; image != "" {
			if err := orch.SmokeAll(pingCtx, image, s.cfg.Docker.SmokeCommand); err != nil {
				logger.FromContext(s.ctx).Warn("Container smoke check failed", "image", image, "error", err)
			}
		}
	}
	cleanup := func() {
		for id, a := range adapters {
			if closer, ok := a.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					logger.FromContext(s.ctx).Error("Failed to close docker client", "host", id, "error", err)
				}
			}
		}
	}
	return orch, cleanup, nil
}

func (s *Server) setupPresigner() (storage.Presigner, error) {
	if !s.cfg.Storage.Enabled {
		return nil, nil
	}
	p, err := s3presign.New(s3Config(&s.cfg.Storage))
	if err != nil {
		return nil, err
	}
	return p, nil
}

// hookURL is the API base agents call back on.
func (s *Server) hookURL() string {
	base := strings.TrimRight(s.cfg.Server.PublicURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", friendlyHost(s.cfg.Server.Host), s.cfg.Server.Port)
	}
	return base + routes.Base()
}

// setupDependencies builds the engine. Cleanups run in reverse order on
// shutdown, also when setup fails half way.
func (s *Server) setupDependencies() (*State, []func(), error) {
	cleanups := make([]func(), 0)
	registry, err := app.LoadDir(s.cfg.Apps.Dir)
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to load apps: %w", err)
	}
	repo, poolCollector, storeCheck, storeCleanup, err := s.setupStore()
	if err != nil {
		return nil, cleanups, err
	}
	cleanups = appendCleanup(cleanups, storeCleanup)
	var extra []prometheus.Collector
	if poolCollector != nil {
		extra = append(extra, poolCollector)
	}
	mon, err := monitoring.NewService(s.ctx, &monitoring.Config{
		Enabled: s.cfg.Monitoring.Enabled,
		Path:    s.cfg.Monitoring.Path,
	}, extra...)
	if err != nil {
		return nil, cleanups, err
	}
	redisConn, redisCleanup, err := s.setupRedis()
	if err != nil {
		return nil, cleanups, err
	}
	cleanups = appendCleanup(cleanups, redisCleanup)
	var claimer cache.Claimer = cache.NewLocalClaimer(localClaimCapacity)
	if redisConn != nil {
		claimer = cache.NewRedisClaimer(redisConn, s.instanceID)
	}
	rateLimit, err := s.setupRateLimit(redisConn, mon)
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to set up rate limiting: %w", err)
	}

	engine, err := tplengine.NewEngine(s.cfg.Templates.CacheSize)
	if err != nil {
		return nil, cleanups, err
	}
	tasks := task.NewService(repo,
		task.WithCompletionResolver(chain.NewResolver(registry, engine)),
		task.WithHandlerRouter(worker.NewHandlerRouter(registry)),
		task.WithMetrics(mon),
	)
	issuer, err := credential.NewIssuer([]byte(s.cfg.Worker.CredentialSecret.Value()), s.cfg.Docker.PlatformID,
		credential.WithTTL(s.cfg.Worker.CredentialTTL))
	if err != nil && len(s.cfg.Docker.Hosts) > 0 {
		return nil, cleanups, err
	}
	presigner, err := s.setupPresigner()
	if err != nil {
		return nil, cleanups, err
	}
	orch, dockerCleanup, err := s.setupContainers(mon)
	if err != nil {
		return nil, cleanups, err
	}
	cleanups = appendCleanup(cleanups, dockerCleanup)

	dispatcher := dispatch.New(tasks, registry, engine)
	schedOpts := []dispatch.SchedulerOption{
		dispatch.WithInterval(s.cfg.Scheduler.TickInterval),
		dispatch.WithClaimer(claimer),
	}
	if issuer != nil {
		drv := driver.New(tasks, registry, orch, issuer,
			driver.WithConcurrency(s.cfg.Worker.Concurrency),
			driver.WithBatchSize(s.cfg.Worker.BatchSize),
			driver.WithLostGrace(s.cfg.Worker.LostGrace),
			driver.WithHookURL(s.hookURL()),
		)
		schedOpts = append(schedOpts, dispatch.WithJobs(drv))
		cleanups = append(cleanups, drv.Wait)
	} else {
		logger.FromContext(s.ctx).Warn("No credential secret configured; container jobs will not be launched")
	}
	checks := map[string]func(context.Context) error{}
	if storeCheck != nil {
		checks["postgres"] = storeCheck
	}
	if redisConn != nil {
		checks["redis"] = redisConn.HealthCheck
	}
	var verifier hookrouter.Verifier = disabledVerifier{}
	if issuer != nil {
		verifier = issuer
	}
	state := &State{
		Tasks:       tasks,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Scheduler:   dispatch.NewScheduler(dispatcher, schedOpts...),
		Hooks:       hook.NewService(tasks, presigner, hook.WithURLExpiry(s.cfg.Storage.URLExpiry)),
		Issuer:      issuer,
		Verifier:    verifier,
		Idempotency: router.NewAPIIdempotency(claimer, idempotencyTTL),
		Monitoring:  mon,
		RateLimit:   rateLimit,
		Checks:      checks,
	}
	return state, cleanups, nil
}

// disabledVerifier rejects every job token when no credential secret is set.
type disabledVerifier struct{}

func (disabledVerifier) Verify(string, string) (*credential.Claims, error) {
	return nil, fmt.Errorf("%w: job credentials are not configured", credential.ErrUnauthorized)
}
