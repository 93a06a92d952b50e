package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/policy"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// Deployer runs node setups and teardowns in the background.
type Deployer interface {
	Setup(ctx context.Context, node *model.Node, opts engine.SetupOptions) error
	Teardown(ctx context.Context, node *model.Node, then engine.ThenFunc) error
	SetupLogPath(node *model.Node) string
	Options() engine.Options
}

// Admission decides whether a request may proceed.
type Admission interface {
	Evaluate(ctx context.Context, input *policy.Input) (*policy.Result, error)
}

// CreateRequest asks for a new node.
type CreateRequest struct {
	ClusterID    string         `json:"cluster_id" validate:"required"`
	NodeType     model.NodeType `json:"node_type" validate:"required,oneof=ldap oxauth oxtrust oxidp nginx"`
	ProviderID   string         `json:"provider_id" validate:"required"`
	ConnectDelay time.Duration  `json:"connect_delay" validate:"gte=0"`
	ExecDelay    time.Duration  `json:"exec_delay" validate:"gte=0"`
	OxauthNodeID string         `json:"oxauth_node_id" validate:"required_if=NodeType nginx"`
}

// Accepted is the answer to a create request. The node keeps deploying
// after it is returned.
type Accepted struct {
	Node     *model.Node `json:"node"`
	LogPath  string      `json:"log_path"`
	Location string      `json:"location"`
}

// Service handles node requests against the record store.
type Service struct {
	store     stores.Store
	deployer  Deployer
	admission Admission
	validate  *validator.Validate
	logger    *telemetry.Logger

	// clusterMu serializes overlay address bookkeeping.
	clusterMu sync.Mutex
}

// NewService returns a Service. admission may be nil, in which case every
// well-formed request is admitted.
func NewService(store stores.Store, deployer Deployer, admission Admission, logger *telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Service{
		store:     store,
		deployer:  deployer,
		admission: admission,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.NewComponentLogger("nodes"),
	}
}

// Create records a node and queues its setup.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Accepted, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.NewValidationError("invalid node request", describeErrors(err))
	}

	cluster, err := stores.GetAs[model.Cluster](ctx, s.store, stores.TableClusters, req.ClusterID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewValidationError("invalid node request", fmt.Errorf("cluster %s does not exist", req.ClusterID))
		}
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	}
	host, err := stores.GetAs[model.Host](ctx, s.store, stores.TableHosts, req.ProviderID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewValidationError("invalid node request", fmt.Errorf("provider %s does not exist", req.ProviderID))
		}
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}

	if err := s.admit(ctx, req, cluster, host); err != nil {
		return nil, err
	}

	opts := s.deployer.Options()
	profile, ok := opts.Profiles[req.NodeType]
	if !ok {
		return nil, engine.NewValidationError(fmt.Sprintf("no container profile for node type %s", req.NodeType), nil)
	}
	node := model.NewNode(req.NodeType, imageName(profile.Image), cluster.ID, host.ID)
	node.OxauthNodeID = req.OxauthNodeID

	if cluster.WeaveIPNetwork != "" {
		if err := s.reserveAddress(ctx, cluster.ID, node); err != nil {
			return nil, err
		}
	}

	if err := s.store.Persist(ctx, stores.TableNodes, node); err != nil {
		s.releaseAddress(ctx, node)
		return nil, fmt.Errorf("failed to save node: %w", err)
	}
	logPath := s.deployer.SetupLogPath(node)
	if err := s.store.Persist(ctx, stores.TableNodeLogs, model.NewNodeLog(node.Name, logPath)); err != nil {
		s.discard(ctx, node)
		return nil, fmt.Errorf("failed to save node log: %w", err)
	}

	if err := s.deployer.Setup(ctx, node, engine.SetupOptions{
		ConnectDelay: req.ConnectDelay,
		ExecDelay:    req.ExecDelay,
	}); err != nil {
		s.discard(ctx, node)
		return nil, fmt.Errorf("failed to queue setup of %s: %w", node.Name, err)
	}

	s.logger.WithNode(node.Name, string(node.Type)).Infof("setup of node queued on host %s", host.Name)
	return &Accepted{
		Node:     node,
		LogPath:  logPath,
		Location: "/nodes/" + node.Name,
	}, nil
}

// Get returns the node with the given id or name.
func (s *Service) Get(ctx context.Context, idOrName string) (*model.Node, error) {
	return lookup[model.Node](ctx, s.store, stores.TableNodes, "node", idOrName)
}

// List returns every node.
func (s *Service) List(ctx context.Context) ([]*model.Node, error) {
	return stores.AllAs[model.Node](ctx, s.store, stores.TableNodes)
}

// Delete queues the teardown of a node. The record is removed and its
// overlay address released once the teardown ran. A node that is still
// deploying is only torn down when force is set.
func (s *Service) Delete(ctx context.Context, idOrName string, force bool) error {
	node, err := s.Get(ctx, idOrName)
	if err != nil {
		return err
	}
	if node.State == model.StateInProgress && !force {
		return engine.NewPermanentError("cannot delete node while still in deployment", nil).
			WithNode(node.Name).WithCode(engine.ErrCodeForbidden)
	}

	if err := s.deployer.Teardown(ctx, node, s.forget); err != nil {
		return fmt.Errorf("failed to queue teardown of %s: %w", node.Name, err)
	}
	s.logger.WithNode(node.Name, string(node.Type)).Infof("teardown of node queued (force=%t)", force)
	return nil
}

// forget drops the record of a torn down node.
func (s *Service) forget(ctx context.Context, node *model.Node) error {
	if _, err := s.store.DeleteWhere(ctx, stores.TableNodes, stores.Where("name", node.Name)); err != nil {
		return fmt.Errorf("failed to delete node %s: %w", node.Name, err)
	}
	s.releaseAddress(ctx, node)
	return nil
}

// discard removes a node whose setup never got queued, together with its
// node log and overlay address.
func (s *Service) discard(ctx context.Context, node *model.Node) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.store.DeleteWhere(ctx, stores.TableNodeLogs, stores.Where("node_name", node.Name)); err != nil {
		s.logger.WithError(err).Warnf("failed to delete node log of %s", node.Name)
	}
	if _, err := s.store.DeleteWhere(ctx, stores.TableNodes, stores.Where("id", node.ID)); err != nil {
		s.logger.WithError(err).Warnf("failed to delete node %s", node.Name)
	}
	s.releaseAddress(ctx, node)
}

func (s *Service) admit(ctx context.Context, req CreateRequest, cluster *model.Cluster, host *model.Host) error {
	if s.admission == nil {
		return nil
	}

	existing, err := stores.SearchAs[model.Node](ctx, s.store, stores.TableNodes, stores.Where("cluster_id", cluster.ID))
	if err != nil {
		return fmt.Errorf("failed to load cluster nodes: %w", err)
	}
	input := &policy.Input{
		Operation: "create",
		Node: policy.NodeInput{
			Type:         string(req.NodeType),
			HostID:       host.ID,
			OxauthNodeID: req.OxauthNodeID,
		},
		Cluster: policy.ClusterInput{ID: cluster.ID, Name: cluster.Name},
		Host:    policy.HostInput{ID: host.ID, Name: host.Name, Type: string(host.Type)},
		Nodes:   make([]policy.NodeInput, 0, len(existing)),
	}
	for _, n := range existing {
		input.Nodes = append(input.Nodes, policy.NodeInput{
			ID:           n.ID,
			Name:         n.Name,
			Type:         string(n.Type),
			HostID:       n.HostID,
			State:        string(n.State),
			OxauthNodeID: n.OxauthNodeID,
		})
	}

	result, err := s.admission.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to evaluate admission policies: %w", err)
	}
	for _, w := range result.Warnings {
		s.logger.Warnf("admission warning: %s", w)
	}
	if !result.Allowed {
		denied := result.Denied()
		return engine.NewPermanentError(strings.Join(denied, "; "), nil).
			WithCode(engine.ErrCodePolicyDenied).WithDetail("violations", result.Violations)
	}
	return nil
}

func (s *Service) reserveAddress(ctx context.Context, clusterID string, node *model.Node) error {
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()

	cluster, err := stores.GetAs[model.Cluster](ctx, s.store, stores.TableClusters, clusterID)
	if err != nil {
		return fmt.Errorf("failed to load cluster: %w", err)
	}
	addr, prefixLen, err := cluster.ReserveIPAddr()
	if err != nil {
		if errors.Is(err, model.ErrAddressPoolExhausted) {
			return engine.NewConflictError("cannot reserve overlay address", err)
		}
		return engine.NewValidationError("cannot reserve overlay address", err)
	}
	if err := s.store.Update(ctx, stores.TableClusters, cluster.ID, cluster); err != nil {
		return fmt.Errorf("failed to save cluster: %w", err)
	}
	node.WeaveIP = addr
	node.WeavePrefixLen = prefixLen
	return nil
}

// releaseAddress is best effort: a leaked address only shrinks the pool.
func (s *Service) releaseAddress(ctx context.Context, node *model.Node) {
	if node.WeaveIP == "" {
		return
	}
	s.clusterMu.Lock()
	defer s.clusterMu.Unlock()

	logger := s.logger.WithNode(node.Name, string(node.Type))
	cluster, err := stores.GetAs[model.Cluster](ctx, s.store, stores.TableClusters, node.ClusterID)
	if err != nil {
		logger.WithError(err).Warnf("cannot release overlay address %s", node.WeaveIP)
		return
	}
	cluster.ReleaseIPAddr(node.WeaveIP)
	if err := s.store.Update(ctx, stores.TableClusters, cluster.ID, cluster); err != nil {
		logger.WithError(err).Warnf("cannot release overlay address %s", node.WeaveIP)
	}
}

// ParseForce reads the force flag of a delete request. Anything that is
// not a known true value is false.
func ParseForce(raw string) bool {
	switch raw {
	case "1", "True", "true", "t":
		return true
	}
	return false
}

// imageName strips registry path and tag from an image reference.
func imageName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}
	return ref
}

func describeErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, ", "))
}
