// Package app assembles the release gate from configuration. The API server,
// the worker and the CLI all build the same pipeline through New.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alvesdmateus/release-gate/internal/approval"
	"github.com/alvesdmateus/release-gate/internal/clock"
	"github.com/alvesdmateus/release-gate/internal/gates"
	"github.com/alvesdmateus/release-gate/internal/health"
	"github.com/alvesdmateus/release-gate/internal/lock"
	"github.com/alvesdmateus/release-gate/internal/notify"
	"github.com/alvesdmateus/release-gate/internal/observability"
	"github.com/alvesdmateus/release-gate/internal/orchestrator"
	"github.com/alvesdmateus/release-gate/internal/policy"
	"github.com/alvesdmateus/release-gate/internal/queue"
	"github.com/alvesdmateus/release-gate/internal/registry"
	"github.com/alvesdmateus/release-gate/internal/rollback"
	"github.com/alvesdmateus/release-gate/internal/scanner"
	"github.com/alvesdmateus/release-gate/internal/signal"
	"github.com/alvesdmateus/release-gate/internal/source"
	"github.com/alvesdmateus/release-gate/internal/state"
	"github.com/alvesdmateus/release-gate/internal/strategy"
	"github.com/alvesdmateus/release-gate/internal/workload"
	"github.com/alvesdmateus/release-gate/pkg/config"
	"github.com/alvesdmateus/release-gate/pkg/database"
	"github.com/alvesdmateus/release-gate/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

// App holds the assembled components
type App struct {
	Config       *config.Config
	DB           *gorm.DB
	Store        *state.Repository
	Environments *config.Catalog
	Orchestrator workload.Orchestrator
	Controller   *orchestrator.Controller
	Approvals    *approval.Workflow
	Rollbacks    *rollback.Manager
	// Queue and Jobs are nil unless pipeline.async is set
	Queue *queue.RedisQueue
	Jobs  *orchestrator.Client
	// Recovery finalizes runs left behind by a stopped process
	Recovery *orchestrator.Recovery

	notifier *notify.Dispatcher
	redis    *redis.Client
	logger   zerolog.Logger
}

// Options adjust New for callers with narrower needs
type Options struct {
	// Orchestrator replaces the configured workload backend
	Orchestrator workload.Orchestrator
	// Clock replaces the wall clock
	Clock clock.Clock
	// SkipMigrate leaves the schema untouched
	SkipMigrate bool
}

// New connects to the database and Redis and builds the pipeline
func New(ctx context.Context, cfg *config.Config, opts Options, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	db, err := database.New(DatabaseConfig(cfg))
	if err != nil {
		return nil, err
	}
	a.DB = db
	if !opts.SkipMigrate {
		if err := database.Migrate(db, state.AllModels()...); err != nil {
			return nil, err
		}
	}
	a.Store = state.NewRepository(db)

	envs, err := config.NewCatalog(cfg.Pipeline.EnvironmentsFile)
	if err != nil {
		return nil, err
	}
	a.Environments = envs

	clk := opts.Clock
	if clk == nil {
		clk = clock.NewReal()
	}

	orch := opts.Orchestrator
	if orch == nil {
		orch, err = newOrchestrator(cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	a.Orchestrator = orch

	// a shared lease store is needed as soon as more than one process can deploy
	var locker lock.Locker = lock.NewMemory()
	if cfg.Pipeline.Async || cfg.Orchestrator.Mode == config.OrchestratorKubernetes {
		a.redis, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		locker = lock.NewRedis(a.redis, lock.RedisOptions{TTL: cfg.Lock.TTL, Refresh: cfg.Lock.Refresh}, logger)
	}
	if cfg.Pipeline.Async {
		a.Queue = queue.New(a.redis, logger)
		a.Jobs = orchestrator.NewClient(a.Queue, logger)
	}

	errorRates, err := newErrorRates(cfg.Prometheus, logger)
	if err != nil {
		return nil, err
	}
	checker := health.NewChecker(clk, logger)
	engine := strategy.NewEngine(orch, checker, clk, errorRates, logger)

	artifacts, err := registry.New(registry.Config{
		Type:     cfg.Registry.Type,
		Host:     cfg.Registry.Host,
		Username: cfg.Registry.Username,
		Password: cfg.Registry.Password,
	}, logger)
	if err != nil {
		return nil, err
	}

	var branches source.BranchResolver
	if cfg.Source.RepoPath != "" {
		branches = source.NewGitBranchResolver(cfg.Source.RepoPath)
	}

	a.Rollbacks = rollback.NewManager(a.Store, orch, engine, checker, clk, rollback.Config{
		MaxHistory: cfg.Rollback.MaxHistory,
		Strategy:   models.Strategy(cfg.Rollback.Strategy),
	}, logger)
	a.Approvals = approval.NewWorkflow(a.Store, clk, cfg.Approval.PollInterval, logger)
	a.notifier = notify.NewDispatcher(newNotifier(cfg.Notify, logger), cfg.Notify.Timeout, logger)

	a.Controller = orchestrator.NewController(orchestrator.Deps{
		Store:        a.Store,
		Environments: envs,
		Locker:       locker,
		Policy:       policy.NewEvaluator(a.Store, branches, artifacts, clk, policy.Config{ApprovalValidity: cfg.Approval.Validity}, logger),
		Rollback:     a.Rollbacks,
		Approvals:    a.Approvals,
		Gates:        newGates(cfg, orch, engine, checker, artifacts, logger),
		Notifier:     a.notifier,
		Clock:        clk,
	}, orchestrator.Config{GateBackoff: cfg.Pipeline.GateBackoff}, logger)

	var claims orchestrator.ClaimQueue
	if a.Queue != nil {
		claims = a.Queue
	}
	a.Recovery = orchestrator.NewRecovery(claims, locker, a.Controller, cfg.Worker.OrphanAfter, logger)

	ok = true
	return a, nil
}

// Close waits for pending notifications and releases the database and Redis connections
func (a *App) Close() error {
	if a.notifier != nil {
		a.notifier.Wait()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, database.Close(a.DB))
	}
	return errors.Join(errs...)
}

// DatabaseConfig maps the database section onto a connection config
func DatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Driver:          cfg.Database.Driver,
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DBName:          cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// TracingConfig maps the tracing section onto the tracer config
func TracingConfig(cfg *config.Config) observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	}
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func newOrchestrator(cfg *config.Config, logger zerolog.Logger) (workload.Orchestrator, error) {
	switch cfg.Orchestrator.Mode {
	case config.OrchestratorMemory:
		return workload.NewMemory(), nil
	default:
		kc := workload.KubeConfig{
			Kubeconfig:  cfg.Kubernetes.Kubeconfig,
			Context:     cfg.Kubernetes.Context,
			ServicePort: int32(cfg.Kubernetes.ServicePort),
			TargetPort:  int32(cfg.Kubernetes.TargetPort),
		}
		clientset, err := workload.NewClientset(kc)
		if err != nil {
			return nil, err
		}
		return workload.NewKubernetes(clientset, kc, logger), nil
	}
}

func newErrorRates(cfg config.PrometheusConfig, logger zerolog.Logger) (signal.ErrorRateSource, error) {
	if cfg.Address == "" {
		return signal.NewStatic(), nil
	}
	return signal.NewPrometheus(cfg.Address, cfg.Query, logger)
}

func newNotifier(cfg config.NotifyConfig, logger zerolog.Logger) notify.Notifier {
	if cfg.WebhookURL == "" {
		return notify.NewLog(logger)
	}
	return notify.NewWebhook(notify.WebhookConfig{
		URL:              cfg.WebhookURL,
		Template:         cfg.Template,
		Timeout:          cfg.Timeout,
		FailureThreshold: uint32(cfg.FailureThreshold),
		OpenTimeout:      cfg.OpenTimeout,
	}, logger)
}

// newGates registers a checker for every automated gate type the deployment
// can serve. Artifact gates need a registry; without one, environments that
// use them fail validation at run start.
func newGates(cfg *config.Config, orch workload.Orchestrator, engine *strategy.Engine, checker *health.Checker, artifacts registry.Checker, logger zerolog.Logger) *gates.Registry {
	reg := gates.NewRegistry()
	reg.Register(models.GateTypeDeploy, &gates.Deploy{Engine: engine})
	reg.Register(models.GateTypeHealth, &gates.Health{
		Orchestrator: orch,
		Checker:      checker,
		Client:       &http.Client{Timeout: 5 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	})
	reg.Register(models.GateTypeTests, gates.Coverage{})
	reg.Register(models.GateTypePerformance, &gates.Performance{})
	reg.Register(models.GateTypeSecurity, &gates.Security{Scanner: scanner.NewTrivyScanner(scanner.Config{
		Path:          cfg.Scanner.Path,
		IgnoreUnfixed: cfg.Scanner.IgnoreUnfixed,
		Timeout:       cfg.Scanner.Timeout,
	}, logger)})
	if artifacts != nil {
		reg.Register(models.GateTypeArtifact, &gates.Artifact{Registry: artifacts})
	}
	return reg
}
