package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/installer"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// Default settle delays between container start and the first agent call.
const (
	DefaultConnectDelay = 10 * time.Second
	DefaultExecDelay    = 15 * time.Second
)

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store       stores.Store
	Runtimes    Runtimes
	Agents      Agents
	Remote      installer.Remote
	Installers  Installers
	Renderer    installer.Renderer
	Network     Network
	Distributor Distributor
	Pool        *Pool

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Sleep waits out the settle delays. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Options are the deploy settings of an Orchestrator.
type Options struct {
	ConnectDelay time.Duration
	ExecDelay    time.Duration
	ImageTag     string
	LogDir       string
	DNSSearch    []string
	Profiles     map[model.NodeType]Profile
}

// SetupOptions override deploy settings for one setup. Zero values keep
// the defaults.
type SetupOptions struct {
	ConnectDelay time.Duration
	ExecDelay    time.Duration
}

// ThenFunc runs after a teardown, before the recovery snapshot is
// distributed.
type ThenFunc func(ctx context.Context, node *model.Node) error

// Orchestrator drives node setup and teardown. Every outcome is reported
// through the persisted node record; nothing escapes a background task.
type Orchestrator struct {
	deps Deps
	opts atomic.Pointer[Options]
}

// New validates deps and returns an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("record store is required")
	case deps.Runtimes == nil:
		return nil, errors.New("runtime factory is required")
	case deps.Agents == nil:
		return nil, errors.New("agent hub is required")
	case deps.Remote == nil:
		return nil, errors.New("remote execution client is required")
	case deps.Installers == nil:
		return nil, errors.New("installer registry is required")
	case deps.Renderer == nil:
		return nil, errors.New("template renderer is required")
	case deps.Pool == nil:
		return nil, errors.New("worker pool is required")
	}

	if deps.Network == nil {
		deps.Network = noopNetwork{}
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.Nop()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NoopTracer()
	}
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}

	deps.Logger = deps.Logger.NewComponentLogger("engine")
	o := &Orchestrator{deps: deps}
	o.Reconfigure(opts)
	return o, nil
}

// Reconfigure replaces the deploy settings. Attempts already running keep
// the settings they started with.
func (o *Orchestrator) Reconfigure(opts Options) {
	if opts.ConnectDelay <= 0 {
		opts.ConnectDelay = DefaultConnectDelay
	}
	if opts.ExecDelay <= 0 {
		opts.ExecDelay = DefaultExecDelay
	}
	o.opts.Store(&opts)
}

// Options returns the current deploy settings.
func (o *Orchestrator) Options() Options {
	return *o.opts.Load()
}

// Setup queues the setup of node, which must already be persisted in the
// IN_PROGRESS state. It returns once the task is queued.
func (o *Orchestrator) Setup(ctx context.Context, node *model.Node, opts SetupOptions) error {
	return o.deps.Pool.Submit(ctx, func(ctx context.Context) {
		o.RunSetup(ctx, node, opts)
	})
}

// Teardown queues the teardown of node. then, when not nil, runs once the
// workload is gone.
func (o *Orchestrator) Teardown(ctx context.Context, node *model.Node, then ThenFunc) error {
	return o.deps.Pool.Submit(ctx, func(ctx context.Context) {
		o.RunTeardown(ctx, node, then)
	})
}

// SetupLogPath returns where the setup log of node is written, or "" when
// no log directory is configured.
func (o *Orchestrator) SetupLogPath(node *model.Node) string {
	return o.logPath(node, "setup")
}

// TeardownLogPath returns where the teardown log of node is written.
func (o *Orchestrator) TeardownLogPath(node *model.Node) string {
	return o.logPath(node, "teardown")
}

func (o *Orchestrator) logPath(node *model.Node, op string) string {
	logDir := o.opts.Load().LogDir
	if logDir == "" {
		return ""
	}
	return filepath.Join(logDir, fmt.Sprintf("%s-%s.log", node.Name, op))
}

// attemptLogger returns the logger of one setup or teardown. It also
// writes to the attempt's log file when a log directory is configured.
func (o *Orchestrator) attemptLogger(node *model.Node, op string) (*telemetry.Logger, io.Closer) {
	logger := o.deps.Logger.WithNode(node.Name, string(node.Type)).WithField("operation", op)

	path := o.logPath(node, op)
	if path == "" {
		return logger, nopCloser{}
	}
	fileLogger, closer, err := logger.OpenAttemptLog(path)
	if err != nil {
		logger.WithError(err).Warn("continuing without attempt log file")
		return logger, nopCloser{}
	}
	return fileLogger, closer
}

func (o *Orchestrator) save(ctx context.Context, node *model.Node) error {
	node.Touch()
	if err := o.deps.Store.Update(ctx, stores.TableNodes, node.ID, node); err != nil {
		return fmt.Errorf("failed to save node %s: %w", node.Name, err)
	}
	return nil
}

// markLog moves the node log of node to state. A missing node log is
// logged and skipped.
func (o *Orchestrator) markLog(ctx context.Context, node *model.Node, state model.LogState, logger *telemetry.Logger) {
	nl, err := stores.FirstAs[model.NodeLog](ctx, o.deps.Store, stores.TableNodeLogs, stores.Where("node_name", node.Name))
	if err != nil {
		logger.WithError(err).Warnf("failed to load node log, cannot mark %s", state)
		return
	}

	nl.State = state
	if state == model.LogTeardownInProgress {
		nl.TeardownLogPath = o.TeardownLogPath(node)
	}
	if err := o.deps.Store.Update(ctx, stores.TableNodeLogs, nl.ID, nl); err != nil {
		logger.WithError(err).Warnf("failed to mark node log %s", state)
	}
}

// distribute pushes the recovery snapshot. It is called exactly once per
// setup or teardown, after every other step.
func (o *Orchestrator) distribute(ctx context.Context, logger *telemetry.Logger) {
	if o.deps.Distributor == nil {
		return
	}
	if err := o.deps.Distributor.Distribute(ctx); err != nil {
		logger.WithError(err).Error("recovery distribution failed")
		return
	}
	logger.Debug("recovery snapshot distributed")
}

func (o *Orchestrator) recordError(err error) {
	class := classOf(err)
	if class == "" {
		class = ErrorClassPermanent
	}
	o.deps.Metrics.RecordError(string(class), CodeOf(err))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type noopNetwork struct{}

func (noopNetwork) BridgeAddress(context.Context, *model.Host) (string, error) { return "", nil }

func (noopNetwork) Attach(context.Context, *model.Host, string, string) error { return nil }

func (noopNetwork) AddDNS(context.Context, *model.Host, string, string) error { return nil }
