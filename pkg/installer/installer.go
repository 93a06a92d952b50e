// Package installer configures a freshly started workload container for its
// role in the cluster. Each node type has its own installer; they share the
// helpers on base and talk to the workload only through a Remote.
package installer

import (
	"context"
	"fmt"
	"os"

	"github.com/gluufederation/gluu-engine/pkg/agent"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// Installer runs the per-type configuration steps of a workload.
type Installer interface {
	// Setup configures the workload. The node is marked SUCCESS only when
	// Setup returns nil.
	Setup(ctx context.Context) error

	// AfterSetup runs once the node is persisted as SUCCESS, so siblings
	// discovering it see the final state.
	AfterSetup(ctx context.Context) error

	// Teardown undoes cross-workload wiring before the container is removed.
	Teardown(ctx context.Context) error

	// RemoveBuildDir deletes the local scratch directory.
	RemoveBuildDir() error
}

// Remote executes commands inside workloads. It is implemented by
// *agent.Hub.
type Remote interface {
	Run(ctx context.Context, id string, cmd agent.Command) (*agent.Result, error)
	RunAsync(ctx context.Context, id string, cmd agent.Command) (string, error)
	AwaitJob(ctx context.Context, jobID, id string) (*agent.Result, error)
	RunBatch(ctx context.Context, id string, cmds []agent.Command) ([]*agent.Result, error)
	CopyFile(ctx context.Context, id, localPath, remotePath string) error
}

// Env is everything an installer needs to know about its workload.
type Env struct {
	Node     *model.Node
	Cluster  *model.Cluster
	Host     *model.Host
	Remote   Remote
	Store    stores.Store
	Renderer Renderer
	Logger   *telemetry.Logger
}

func (e Env) validate() error {
	switch {
	case e.Node == nil:
		return fmt.Errorf("node is required")
	case e.Cluster == nil:
		return fmt.Errorf("cluster is required")
	case e.Remote == nil:
		return fmt.Errorf("remote execution client is required")
	case e.Store == nil:
		return fmt.Errorf("record store is required")
	case e.Renderer == nil:
		return fmt.Errorf("template renderer is required")
	}
	return nil
}

// Constructor builds an installer for one node.
type Constructor func(env Env) (Installer, error)

// Registry maps node types to installer constructors.
type Registry struct {
	constructors map[model.NodeType]Constructor
}

// NewRegistry returns a registry with every built-in installer.
func NewRegistry() *Registry {
	r := &Registry{constructors: make(map[model.NodeType]Constructor)}
	r.Register(model.NodeTypeLDAP, NewLDAP)
	r.Register(model.NodeTypeOxAuth, NewOxAuth)
	r.Register(model.NodeTypeOxTrust, NewOxTrust)
	r.Register(model.NodeTypeOxIDP, NewOxIDP)
	r.Register(model.NodeTypeNginx, NewNginx)
	return r
}

// Register sets the constructor for t, replacing any previous one.
func (r *Registry) Register(t model.NodeType, c Constructor) {
	r.constructors[t] = c
}

// New builds the installer for env.Node.
func (r *Registry) New(env Env) (Installer, error) {
	if err := env.validate(); err != nil {
		return nil, fmt.Errorf("invalid installer environment: %w", err)
	}
	c, ok := r.constructors[env.Node.Type]
	if !ok {
		return nil, fmt.Errorf("no installer for node type %s", env.Node.Type)
	}
	return c(env)
}

// newBuildDir creates the local scratch directory for rendered files.
func newBuildDir(node *model.Node) (string, error) {
	dir, err := os.MkdirTemp("", "gluu-"+node.Name+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create build directory: %w", err)
	}
	return dir, nil
}
