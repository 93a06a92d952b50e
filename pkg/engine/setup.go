package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gluufederation/gluu-engine/pkg/installer"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// attempt is the state of one setup or teardown run.
type attempt struct {
	node       *model.Node
	logger     *telemetry.Logger
	span       trace.Span
	rolledBack bool
}

// RunSetup provisions node and persists the outcome. It is the body of
// the task queued by Setup and never returns an error: a failure at any
// step rolls the node back to FAILED.
func (o *Orchestrator) RunSetup(ctx context.Context, node *model.Node, opts SetupOptions) {
	start := time.Now()
	logger, closer := o.attemptLogger(node, "setup")
	defer closer.Close()

	ctx, span := o.deps.Tracer.StartNodeSpan(ctx, "setup", node.Name, string(node.Type))
	defer span.End()

	a := &attempt{node: node, logger: logger, span: span}
	o.deps.Metrics.RecordSetupStarted(string(node.Type))

	defer o.distribute(ctx, logger)
	defer func() {
		o.markLog(ctx, node, model.LogSetupFinished, logger)
		o.deps.Metrics.RecordSetupCompleted(string(node.Type), string(node.State), time.Since(start))
		logger.Infof("setup finished in %s with state %s", time.Since(start).Round(time.Millisecond), node.State)
	}()
	defer func() {
		if r := recover(); r != nil {
			err := NewPermanentError(fmt.Sprintf("setup panicked: %v", r), nil).WithNode(node.Name)
			telemetry.RecordError(span, err)
			logger.Error(err.Error())
			// A panic in a post-setup hook does not revert SUCCESS.
			if node.State != model.StateSuccess {
				o.rollback(ctx, a)
			}
		}
	}()

	logger.Info("starting setup")
	if err := o.setup(ctx, a, opts); err != nil {
		o.recordError(err)
		telemetry.RecordError(span, err)
		logger.WithError(err).Error("setup failed")
		o.rollback(ctx, a)
		return
	}
	telemetry.RecordSuccess(span)
}

func (o *Orchestrator) setup(ctx context.Context, a *attempt, opts SetupOptions) error {
	node, logger := a.node, a.logger
	settings := o.opts.Load()

	profile, ok := settings.Profiles[node.Type]
	if !ok {
		return NewValidationError(fmt.Sprintf("no container profile for node type %s", node.Type), nil).WithNode(node.Name)
	}
	host, err := stores.GetAs[model.Host](ctx, o.deps.Store, stores.TableHosts, node.HostID)
	if err != nil {
		return NewPermanentError("failed to load host", err).WithNode(node.Name).WithCode(ErrCodeNotFound)
	}
	cluster, err := stores.GetAs[model.Cluster](ctx, o.deps.Store, stores.TableClusters, node.ClusterID)
	if err != nil {
		return NewPermanentError("failed to load cluster", err).WithNode(node.Name).WithCode(ErrCodeNotFound)
	}
	rt, err := o.deps.Runtimes.ForHost(ctx, node.HostID)
	if err != nil {
		return NewTransientError("failed to connect to container engine", err).WithNode(node.Name).WithCode(ErrCodeUnreachable)
	}

	// Step 1: the host bridge serves DNS to the new container.
	bridge, err := o.deps.Network.BridgeAddress(ctx, host)
	if err != nil {
		return NewTransientError("failed to resolve bridge address", err).WithNode(node.Name).WithStep("network")
	}
	telemetry.AddStepEvent(a.span, "network")

	// Step 2: image and container.
	image := profile.ImageRef(settings.ImageTag)
	if err := runtime.EnsureImage(ctx, rt, image, profile.BuildContext, logger); err != nil {
		return NewConflictError("image is not available", err).
			WithNode(node.Name).WithStep("image").WithCode(ErrCodeImageUnavailable).WithDetail("image", image)
	}

	spec := runtime.ContainerSpec{
		Name:      node.Name,
		Image:     image,
		Ports:     profile.Ports,
		Volumes:   profile.Volumes,
		Ulimits:   profile.Ulimits,
		Env:       append([]string{runtime.PlacementEnv(host.Name)}, profile.Env...),
		DNSSearch: settings.DNSSearch,
	}
	if bridge != "" {
		spec.DNS = []string{bridge}
	}

	logger.Infof("creating container from %s on host %s", image, host.Name)
	id, err := rt.CreateAndStart(ctx, spec)
	if err != nil {
		return NewTransientError("failed to start container", err).WithNode(node.Name).WithStep("container").WithCode(ErrCodeUnreachable)
	}
	if id == "" {
		return NewConflictError("container did not start", nil).WithNode(node.Name).WithStep("container")
	}
	telemetry.AddStepEvent(a.span, "container")

	// Step 3: bind the agent once the container had time to boot.
	node.RuntimeID = model.ShortID(id)
	logger.Infof("container %s started", node.RuntimeID)

	// Agents are dialed through the host that owns the runtime id.
	if err := o.save(ctx, node); err != nil {
		return NewPermanentError("failed to save runtime id", err).WithNode(node.Name).WithStep("container")
	}

	o.deps.Sleep(pick(opts.ConnectDelay, settings.ConnectDelay))
	if err := o.deps.Agents.RegisterAgent(ctx, node.RuntimeID); err != nil {
		return NewTransientError("failed to register agent", err).
			WithNode(node.Name).WithStep("agent").WithCode(ErrCodeAgentUnregistered)
	}
	o.deps.Sleep(pick(opts.ExecDelay, settings.ExecDelay))

	// Step 4
	registered, err := o.deps.Agents.IsRegistered(ctx, node.RuntimeID)
	if err != nil || !registered {
		return NewTransientError("agent is not registered", err).
			WithNode(node.Name).WithStep("agent").WithCode(ErrCodeAgentUnregistered)
	}
	telemetry.AddStepEvent(a.span, "agent")

	// Step 5: address checkpoint.
	addr, err := rt.InspectAddress(ctx, node.RuntimeID)
	if err != nil {
		return NewTransientError("failed to inspect container", err).WithNode(node.Name).WithStep("inspect")
	}
	if addr == "" {
		return NewPermanentError("container has no address", nil).WithNode(node.Name).WithStep("inspect")
	}
	node.IP = addr
	node.DomainName = cluster.NodeDomain(node.RuntimeID, node.Type)
	if err := o.save(ctx, node); err != nil {
		return NewPermanentError("failed to save checkpoint", err).WithNode(node.Name).WithStep("checkpoint")
	}
	telemetry.AddStepEvent(a.span, "checkpoint")

	// Step 6
	if cidr := node.CIDR(); cidr != "" {
		logger.Infof("attaching overlay address %s", cidr)
		if err := o.deps.Network.Attach(ctx, host, cidr, node.RuntimeID); err != nil {
			return NewTransientError("failed to attach overlay address", err).WithNode(node.Name).WithStep("network")
		}
	}
	if err := o.deps.Network.AddDNS(ctx, host, node.RuntimeID, node.DomainName); err != nil {
		return NewTransientError("failed to add DNS entry", err).WithNode(node.Name).WithStep("network")
	}

	// Step 7
	inst, err := o.deps.Installers.New(installer.Env{
		Node:     node,
		Cluster:  cluster,
		Host:     host,
		Remote:   o.deps.Remote,
		Store:    o.deps.Store,
		Renderer: o.deps.Renderer,
		Logger:   logger,
	})
	if err != nil {
		return NewPermanentError("failed to create installer", err).WithNode(node.Name).WithStep("install")
	}
	defer func() {
		if err := inst.RemoveBuildDir(); err != nil {
			logger.WithError(err).Warn("failed to remove build directory")
		}
	}()

	if err := inst.Setup(ctx); err != nil {
		return NewPermanentError("installer failed", err).WithNode(node.Name).WithStep("install").WithCode(ErrCodeInstallFailed)
	}
	telemetry.AddStepEvent(a.span, "install")

	node.State = model.StateSuccess
	if err := o.save(ctx, node); err != nil {
		node.State = model.StateInProgress
		return NewPermanentError("failed to save node state", err).WithNode(node.Name).WithStep("install")
	}

	// Hooks run after SUCCESS is durable and never revert it.
	if err := inst.AfterSetup(ctx); err != nil {
		logger.WithError(err).Warn("after setup hook failed")
	}
	return nil
}

// rollback stops the container, drops the agent and marks the node
// FAILED. Sub-failures are logged and never retried. It runs at most once
// per attempt.
func (o *Orchestrator) rollback(ctx context.Context, a *attempt) {
	if a.rolledBack {
		return
	}
	a.rolledBack = true

	node, logger := a.node, a.logger
	logger.Warn("rolling back setup")
	o.deps.Metrics.RecordRollback(string(node.Type))

	if rt, err := o.deps.Runtimes.ForHost(ctx, node.HostID); err != nil {
		logger.WithError(err).Warn("cannot reach container engine to stop container")
	} else if err := rt.Stop(ctx, node.Name); err != nil {
		if runtime.IsNotFound(err) || runtime.IsUnreachable(err) {
			logger.WithError(err).Warn("container already gone or engine unreachable")
		} else {
			logger.WithError(err).Error("failed to stop container")
		}
	}

	if node.RuntimeID != "" {
		if err := o.deps.Agents.UnregisterAgent(ctx, node.RuntimeID); err != nil {
			logger.WithError(err).Warn("failed to unregister agent")
		}
	}

	node.State = model.StateFailed
	if err := o.save(ctx, node); err != nil {
		logger.WithError(err).Error("failed to mark node FAILED")
	}
}

func pick(override, def time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return def
}
