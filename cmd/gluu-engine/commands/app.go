package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gluufederation/gluu-engine/pkg/agent"
	"github.com/gluufederation/gluu-engine/pkg/config"
	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/installer"
	"github.com/gluufederation/gluu-engine/pkg/network"
	"github.com/gluufederation/gluu-engine/pkg/nodes"
	"github.com/gluufederation/gluu-engine/pkg/policy"
	"github.com/gluufederation/gluu-engine/pkg/recovery"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// app holds the components a command works with. Commands that only touch
// records open the store; node commands open the whole engine.
type app struct {
	cfg     *config.Config
	logger  *telemetry.Logger
	store   *stores.SQLiteStore
	metrics *telemetry.Metrics

	distributor *recovery.Distributor
	nodes       *nodes.Service

	// Set by openEngine only.
	tracer   *telemetry.Tracer
	pool     *engine.Pool
	hub      *agent.Hub
	orch     *engine.Orchestrator
	policies *policy.Engine
}

// openStore loads the configuration and opens the migrated record store.
func openStore(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := telemetry.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	distributor, err := recovery.NewDistributor(store, recovery.Config{
		Targets:        cfg.Recovery.Targets,
		PrivateKeyPath: cfg.Recovery.PrivateKeyPath,
		KnownHostsPath: cfg.Recovery.KnownHostsPath,
		Compress:       cfg.Recovery.Compress,
		Timeout:        cfg.Recovery.Timeout,
	}, logger, metrics)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("invalid recovery settings: %w", err)
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		metrics:     metrics,
		distributor: distributor,
		nodes:       nodes.NewService(store, nil, nil, logger),
	}, nil
}

// openEngine opens the store and wires the orchestrator behind the nodes
// service. Configuration and policy files are watched until ctx is done.
func openEngine(ctx context.Context, version string) (*app, error) {
	a, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	cfg := a.cfg

	a.tracer, err = telemetry.NewTracer(cfg.Tracing, "gluu-engine", version)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	a.policies, err = loadPolicies(ctx, cfg, a.logger)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	renderer, err := templates(cfg.Deploy.TemplatesDir)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	factory := runtime.NewFactory(a.store, cfg.Runtime.ManagerEndpoint, cfg.Runtime.ManagerTLS, a.logger)
	a.hub = agent.NewHub(a.store, runtime.NewAgentDialer(factory, a.store), cfg.Agent, a.logger, a.metrics)
	a.pool = engine.NewPool(cfg.Deploy.Workers, cfg.Deploy.QueueSize, a.logger, a.metrics)

	deps := engine.Deps{
		Store:       a.store,
		Runtimes:    factory,
		Agents:      a.hub,
		Remote:      a.hub,
		Installers:  installer.NewRegistry(),
		Renderer:    renderer,
		Distributor: a.distributor,
		Pool:        a.pool,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Tracer:      a.tracer,
	}
	if cfg.Network.Enabled {
		deps.Network = network.NewWeave(
			network.NewSSHRunner(cfg.Network.KnownHostsPath, cfg.Network.ConnectionTimeout),
			network.WithBridge(cfg.Network.Bridge),
			network.WithLogger(a.logger),
		)
	}

	a.orch, err = engine.New(deps, deployOptions(cfg))
	if err != nil {
		_ = a.close()
		return nil, err
	}
	a.nodes = nodes.NewService(a.store, a.orch, a.policies, a.logger)

	if err := a.metrics.Serve(ctx, a.logger); err != nil {
		a.logger.WithError(err).Warn("metrics endpoint disabled")
	}
	a.watch(ctx)
	return a, nil
}

// watch follows the configuration file and the policy paths.
func (a *app) watch(ctx context.Context) {
	if _, err := os.Stat(configPath); err == nil {
		err := config.Watch(ctx, configPath, a.logger, func(cfg *config.Config) {
			a.orch.Reconfigure(deployOptions(cfg))
			a.logger.Info("deploy settings reloaded")
		})
		if err != nil {
			a.logger.WithError(err).Warn("configuration changes will not be reloaded")
		}
	}

	if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
		if err := a.policies.WatchPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			a.logger.WithError(err).Warn("policy changes will not be reloaded")
		}
	}
}

// close waits for queued setups and teardowns, then releases everything.
func (a *app) close() error {
	ctx := context.Background()
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Shutdown(ctx))
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close(ctx))
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(ctx))
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

func deployOptions(cfg *config.Config) engine.Options {
	return engine.Options{
		ConnectDelay: cfg.Deploy.ConnectDelay,
		ExecDelay:    cfg.Deploy.ExecDelay,
		ImageTag:     cfg.Deploy.ImageTag,
		LogDir:       cfg.Deploy.LogDir,
		DNSSearch:    cfg.Network.DNSSearch,
		Profiles:     cfg.Profiles,
	}
}

func templates(dir string) (*installer.TemplateRenderer, error) {
	if dir == "" {
		return installer.NewTemplateRenderer(installer.BuiltinTemplates()), nil
	}
	if _, err := fs.Stat(os.DirFS(dir), "."); err != nil {
		return nil, fmt.Errorf("invalid templates directory: %w", err)
	}
	return installer.NewTemplateRenderer(os.DirFS(dir)), nil
}
