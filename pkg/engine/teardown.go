package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluufederation/gluu-engine/pkg/installer"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// RunTeardown removes the workload of node. The installer teardown only
// runs for nodes that completed setup; the container and agent are always
// released. Failures are logged, never returned.
func (o *Orchestrator) RunTeardown(ctx context.Context, node *model.Node, then ThenFunc) {
	logger, closer := o.attemptLogger(node, "teardown")
	defer closer.Close()

	ctx, span := o.deps.Tracer.StartNodeSpan(ctx, "teardown", node.Name, string(node.Type))
	defer span.End()

	defer o.distribute(ctx, logger)
	defer func() {
		if r := recover(); r != nil {
			err := NewPermanentError(fmt.Sprintf("teardown panicked: %v", r), nil).WithNode(node.Name)
			telemetry.RecordError(span, err)
			logger.Error(err.Error())
		}
	}()

	prior := node.State
	logger.Infof("starting teardown of node in state %s", prior)
	o.deps.Metrics.RecordTeardown(string(node.Type))

	node.State = model.StateInProgress
	if err := o.save(ctx, node); err != nil {
		logger.WithError(err).Warn("failed to mark node IN_PROGRESS")
	}
	o.markLog(ctx, node, model.LogTeardownInProgress, logger)

	// Step 1: undo the installation only when there is one.
	if prior.Deployed() {
		o.uninstall(ctx, node, logger)
	} else {
		logger.Infof("skipping installer teardown for node in state %s", prior)
	}
	telemetry.AddStepEvent(span, "uninstall")

	// Step 2
	if rt, err := o.deps.Runtimes.ForHost(ctx, node.HostID); err != nil {
		logger.WithError(err).Warn("cannot reach container engine to remove container")
	} else if err := rt.Remove(ctx, node.Name); err != nil {
		if runtime.IsNotFound(err) || runtime.IsUnreachable(err) {
			logger.WithError(err).Warn("container already gone or engine unreachable")
		} else {
			logger.WithError(err).Error("failed to remove container")
		}
	}
	telemetry.AddStepEvent(span, "container")

	// Step 3
	if node.RuntimeID != "" {
		if err := o.deps.Agents.UnregisterAgent(ctx, node.RuntimeID); err != nil {
			logger.WithError(err).Warn("failed to unregister agent")
		}
	}

	// Step 4
	o.markLog(ctx, node, model.LogTeardownFinished, logger)

	if then != nil {
		if err := then(ctx, node); err != nil {
			telemetry.RecordError(span, err)
			logger.WithError(err).Error("post teardown step failed")
			return
		}
	}
	telemetry.RecordSuccess(span)
	logger.Info("teardown finished")
}

// uninstall runs the installer teardown. It needs the host and cluster
// records; when either is gone the step is skipped. A panicking installer
// is logged so the container and agent are still released.
func (o *Orchestrator) uninstall(ctx context.Context, node *model.Node, logger *telemetry.Logger) {
	defer func() {
		if r := recover(); r != nil {
			err := NewPermanentError(fmt.Sprintf("installer teardown panicked: %v", r), nil).WithNode(node.Name).WithStep("uninstall")
			o.recordError(err)
			logger.Error(err.Error())
		}
	}()

	host, err := stores.GetAs[model.Host](ctx, o.deps.Store, stores.TableHosts, node.HostID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			logger.Warnf("host %s no longer exists, skipping installer teardown", node.HostID)
		} else {
			logger.WithError(err).Warn("failed to load host, skipping installer teardown")
		}
		return
	}
	cluster, err := stores.GetAs[model.Cluster](ctx, o.deps.Store, stores.TableClusters, node.ClusterID)
	if err != nil {
		logger.WithError(err).Warn("failed to load cluster, skipping installer teardown")
		return
	}

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
		logger.WithError(err).Warn("failed to create installer")
		return
	}
	defer func() {
		if err := inst.RemoveBuildDir(); err != nil {
			logger.WithError(err).Warn("failed to remove build directory")
		}
	}()

	if err := inst.Teardown(ctx); err != nil {
		logger.WithError(err).Warn("installer teardown failed")
	}
}
