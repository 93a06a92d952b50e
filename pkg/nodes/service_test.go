package nodes

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/policy"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

type fakeDeployer struct {
	mu        sync.Mutex
	setups    []*model.Node
	setupOpts []engine.SetupOptions
	teardowns []string
	thenErr   error
	setupErr  error
}

func (f *fakeDeployer) Setup(_ context.Context, node *model.Node, opts engine.SetupOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setupErr != nil {
		return f.setupErr
	}
	f.setups = append(f.setups, node)
	f.setupOpts = append(f.setupOpts, opts)
	return nil
}

// Teardown runs then inline so tests can observe its effect.
func (f *fakeDeployer) Teardown(ctx context.Context, node *model.Node, then engine.ThenFunc) error {
	f.mu.Lock()
	f.teardowns = append(f.teardowns, node.Name)
	f.mu.Unlock()
	if then != nil {
		f.thenErr = then(ctx, node)
	}
	return nil
}

func (f *fakeDeployer) SetupLogPath(node *model.Node) string {
	return "/var/log/gluu-engine/" + node.Name + "-setup.log"
}

func (f *fakeDeployer) Options() engine.Options {
	return engine.Options{
		Profiles: map[model.NodeType]engine.Profile{
			model.NodeTypeLDAP:    {Image: "gluuopendj"},
			model.NodeTypeOxAuth:  {Image: "gluuoxauth"},
			model.NodeTypeOxTrust: {Image: "gluuoxtrust"},
			model.NodeTypeNginx:   {Image: "registry.example.com:5000/gluu/gluunginx:3.0.1"},
		},
	}
}

type testEnv struct {
	svc      *Service
	store    *stores.SQLiteStore
	deployer *fakeDeployer
	cluster  *model.Cluster
	host     *model.Host
}

func newTestEnv(t *testing.T, network string, admission Admission) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cluster := model.NewCluster("prod", "gluu.local", network)
	if err := store.Persist(ctx, stores.TableClusters, cluster); err != nil {
		t.Fatal(err)
	}
	host := model.NewHost("master-1", model.HostTypeMaster, "10.0.0.5", "unix:///var/run/docker.sock")
	if err := store.Persist(ctx, stores.TableHosts, host); err != nil {
		t.Fatal(err)
	}

	d := &fakeDeployer{}
	return &testEnv{
		svc:      NewService(store, d, admission, nil),
		store:    store,
		deployer: d,
		cluster:  cluster,
		host:     host,
	}
}

// seed stores a node of the given type and state directly.
func (e *testEnv) seed(t *testing.T, nodeType model.NodeType, state model.State) *model.Node {
	t.Helper()
	n := model.NewNode(nodeType, "gluu"+string(nodeType), e.cluster.ID, e.host.ID)
	n.State = state
	n.RuntimeID = "abcdef123456"
	n.IP = "172.17.0.2"
	if err := e.store.Persist(context.Background(), stores.TableNodes, n); err != nil {
		t.Fatal(err)
	}
	return n
}

func (e *testEnv) loadCluster(t *testing.T) *model.Cluster {
	t.Helper()
	c, err := stores.GetAs[model.Cluster](context.Background(), e.store, stores.TableClusters, e.cluster.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func newPolicyEngine(t *testing.T) *policy.Engine {
	t.Helper()
	pe, err := policy.NewEngine(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return pe
}

func TestCreate_QueuesSetup(t *testing.T) {
	env := newTestEnv(t, "10.20.0.0/24", nil)
	ctx := context.Background()

	accepted, err := env.svc.Create(ctx, CreateRequest{
		ClusterID:    env.cluster.ID,
		NodeType:     model.NodeTypeLDAP,
		ProviderID:   env.host.ID,
		ConnectDelay: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	node := accepted.Node
	if node.State != model.StateInProgress {
		t.Errorf("state = %s, want IN_PROGRESS", node.State)
	}
	if !strings.HasPrefix(node.Name, "gluuopendj_") {
		t.Errorf("unexpected node name %s", node.Name)
	}
	if node.CIDR() != "10.20.0.1/24" {
		t.Errorf("overlay address = %q, want 10.20.0.1/24", node.CIDR())
	}
	if accepted.Location != "/nodes/"+node.Name {
		t.Errorf("location = %s", accepted.Location)
	}
	if accepted.LogPath != env.deployer.SetupLogPath(node) {
		t.Errorf("log path = %s", accepted.LogPath)
	}

	stored, err := env.svc.Get(ctx, node.Name)
	if err != nil {
		t.Fatalf("Get by name: %v", err)
	}
	if stored.ID != node.ID {
		t.Errorf("Get returned %s, want %s", stored.ID, node.ID)
	}

	nl, err := stores.FirstAs[model.NodeLog](ctx, env.store, stores.TableNodeLogs, stores.Where("node_name", node.Name))
	if err != nil {
		t.Fatalf("node log not saved: %v", err)
	}
	if nl.State != model.LogSetupInProgress || nl.SetupLogPath != accepted.LogPath {
		t.Errorf("unexpected node log %+v", nl)
	}

	cluster := env.loadCluster(t)
	if len(cluster.ReservedAddrs) != 1 || cluster.ReservedAddrs[0] != "10.20.0.1" {
		t.Errorf("reserved addresses = %v", cluster.ReservedAddrs)
	}

	if len(env.deployer.setups) != 1 {
		t.Fatalf("expected 1 setup, got %d", len(env.deployer.setups))
	}
	if got := env.deployer.setupOpts[0]; got.ConnectDelay != 2*time.Second || got.ExecDelay != 0 {
		t.Errorf("setup options = %+v", got)
	}
}

func TestCreate_WithoutOverlayNetwork(t *testing.T) {
	env := newTestEnv(t, "", nil)

	accepted, err := env.svc.Create(context.Background(), CreateRequest{
		ClusterID:  env.cluster.ID,
		NodeType:   model.NodeTypeLDAP,
		ProviderID: env.host.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if accepted.Node.WeaveIP != "" {
		t.Errorf("expected no overlay address, got %s", accepted.Node.WeaveIP)
	}
}

func TestCreate_ImageNameFromProfile(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	oxauth := env.seed(t, model.NodeTypeOxAuth, model.StateSuccess)

	accepted, err := env.svc.Create(ctx, CreateRequest{
		ClusterID:    env.cluster.ID,
		NodeType:     model.NodeTypeNginx,
		ProviderID:   env.host.ID,
		OxauthNodeID: oxauth.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(accepted.Node.Name, "gluunginx_") {
		t.Errorf("unexpected node name %s", accepted.Node.Name)
	}
	if accepted.Node.OxauthNodeID != oxauth.ID {
		t.Errorf("oxauth node id = %s", accepted.Node.OxauthNodeID)
	}
}

func TestCreate_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, "10.20.0.0/24", nil)

	tests := []struct {
		name string
		req  CreateRequest
		want string
	}{
		{
			name: "missing cluster id",
			req:  CreateRequest{NodeType: model.NodeTypeLDAP, ProviderID: env.host.ID},
			want: "ClusterID",
		},
		{
			name: "unsupported type",
			req:  CreateRequest{ClusterID: env.cluster.ID, NodeType: "redis", ProviderID: env.host.ID},
			want: "NodeType",
		},
		{
			name: "nginx without oxauth node",
			req:  CreateRequest{ClusterID: env.cluster.ID, NodeType: model.NodeTypeNginx, ProviderID: env.host.ID},
			want: "OxauthNodeID",
		},
		{
			name: "negative delay",
			req:  CreateRequest{ClusterID: env.cluster.ID, NodeType: model.NodeTypeLDAP, ProviderID: env.host.ID, ExecDelay: -time.Second},
			want: "ExecDelay",
		},
		{
			name: "unknown cluster",
			req:  CreateRequest{ClusterID: "nope", NodeType: model.NodeTypeLDAP, ProviderID: env.host.ID},
			want: "cluster nope does not exist",
		},
		{
			name: "unknown provider",
			req:  CreateRequest{ClusterID: env.cluster.ID, NodeType: model.NodeTypeLDAP, ProviderID: "nope"},
			want: "provider nope does not exist",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Create(context.Background(), tt.req)
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	if len(env.deployer.setups) != 0 {
		t.Errorf("invalid requests queued %d setups", len(env.deployer.setups))
	}
	if got := env.loadCluster(t).ReservedAddrs; len(got) != 0 {
		t.Errorf("invalid requests reserved addresses %v", got)
	}
}

func TestCreate_AdmissionPolicies(t *testing.T) {
	tests := []struct {
		name    string
		seed    []model.NodeType
		req     func(env *testEnv) CreateRequest
		allowed bool
		want    string
	}{
		{
			name:    "ldap first",
			req:     func(env *testEnv) CreateRequest { return env.request(model.NodeTypeLDAP) },
			allowed: true,
		},
		{
			name: "oxauth without ldap",
			req:  func(env *testEnv) CreateRequest { return env.request(model.NodeTypeOxAuth) },
			want: "has no ldap node in SUCCESS state",
		},
		{
			name:    "oxtrust after ldap",
			seed:    []model.NodeType{model.NodeTypeLDAP},
			req:     func(env *testEnv) CreateRequest { return env.request(model.NodeTypeOxTrust) },
			allowed: true,
		},
		{
			name: "second oxtrust on host",
			seed: []model.NodeType{model.NodeTypeLDAP, model.NodeTypeOxTrust},
			req:  func(env *testEnv) CreateRequest { return env.request(model.NodeTypeOxTrust) },
			want: "cannot deploy more oxtrust nodes to host master-1",
		},
		{
			name: "nginx with unknown oxauth",
			seed: []model.NodeType{model.NodeTypeLDAP},
			req: func(env *testEnv) CreateRequest {
				r := env.request(model.NodeTypeNginx)
				r.OxauthNodeID = "missing"
				return r
			},
			want: "oxauth node missing does not exist in cluster prod",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10.20.0.0/24", newPolicyEngine(t))
			for _, nt := range tt.seed {
				env.seed(t, nt, model.StateSuccess)
			}

			_, err := env.svc.Create(context.Background(), tt.req(env))
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected request to be admitted, got %v", err)
				}
				return
			}
			if !engine.HasCode(err, engine.ErrCodePolicyDenied) {
				t.Fatalf("expected policy denial, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			if len(env.deployer.setups) != 0 {
				t.Error("denied request queued a setup")
			}
			if got := env.loadCluster(t).ReservedAddrs; len(got) != 0 {
				t.Errorf("denied request reserved addresses %v", got)
			}
		})
	}
}

func (e *testEnv) request(nodeType model.NodeType) CreateRequest {
	return CreateRequest{ClusterID: e.cluster.ID, NodeType: nodeType, ProviderID: e.host.ID}
}

func TestCreate_AddressPoolExhausted(t *testing.T) {
	env := newTestEnv(t, "10.30.0.0/30", nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := env.svc.Create(ctx, env.request(model.NodeTypeLDAP)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := env.svc.Create(ctx, env.request(model.NodeTypeLDAP))
	if !engine.IsConflict(err) {
		t.Fatalf("expected conflict once the pool is exhausted, got %v", err)
	}
	if !errors.Is(err, model.ErrAddressPoolExhausted) {
		t.Errorf("expected ErrAddressPoolExhausted in chain, got %v", err)
	}
}

func TestCreate_SetupQueueFull(t *testing.T) {
	env := newTestEnv(t, "10.20.0.0/24", nil)
	env.deployer.setupErr = engine.ErrPoolClosed
	ctx := context.Background()

	_, err := env.svc.Create(ctx, env.request(model.NodeTypeLDAP))
	if !errors.Is(err, engine.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}

	if n, err := env.store.Count(ctx, stores.TableNodes, stores.Predicate{}); err != nil || n != 0 {
		t.Errorf("expected no node left behind, got %d (%v)", n, err)
	}
	if n, err := env.store.Count(ctx, stores.TableNodeLogs, stores.Predicate{}); err != nil || n != 0 {
		t.Errorf("expected no node log left behind, got %d (%v)", n, err)
	}
	if reserved := env.loadCluster(t).ReservedAddrs; len(reserved) != 0 {
		t.Errorf("expected overlay address released, still reserved %v", reserved)
	}
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t, "", nil)

	_, err := env.svc.Get(context.Background(), "gluuopendj_missing")
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestList(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.seed(t, model.NodeTypeLDAP, model.StateSuccess)
	env.seed(t, model.NodeTypeOxAuth, model.StateFailed)

	nodes, err := env.svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Errorf("expected 2 nodes, got %d", len(nodes))
	}
}

func TestDelete(t *testing.T) {
	tests := []struct {
		name     string
		state    model.State
		force    bool
		wantCode string
	}{
		{name: "deployed", state: model.StateSuccess},
		{name: "failed", state: model.StateFailed},
		{name: "in progress", state: model.StateInProgress, wantCode: engine.ErrCodeForbidden},
		{name: "in progress forced", state: model.StateInProgress, force: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "10.20.0.0/24", nil)
			ctx := context.Background()

			accepted, err := env.svc.Create(ctx, env.request(model.NodeTypeLDAP))
			if err != nil {
				t.Fatal(err)
			}
			node := accepted.Node
			node.State = tt.state
			node.RuntimeID = "abcdef123456"
			node.IP = "172.17.0.2"
			if err := env.store.Update(ctx, stores.TableNodes, node.ID, node); err != nil {
				t.Fatal(err)
			}

			err = env.svc.Delete(ctx, node.ID, tt.force)
			if tt.wantCode != "" {
				if !engine.HasCode(err, tt.wantCode) {
					t.Fatalf("expected %s, got %v", tt.wantCode, err)
				}
				if len(env.deployer.teardowns) != 0 {
					t.Error("refused delete queued a teardown")
				}
				return
			}
			if err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if len(env.deployer.teardowns) != 1 || env.deployer.teardowns[0] != node.Name {
				t.Fatalf("teardowns = %v", env.deployer.teardowns)
			}
			if env.deployer.thenErr != nil {
				t.Fatalf("post teardown step failed: %v", env.deployer.thenErr)
			}
			if _, err := env.svc.Get(ctx, node.ID); !engine.HasCode(err, engine.ErrCodeNotFound) {
				t.Errorf("node record survived teardown: %v", err)
			}
			if got := env.loadCluster(t).ReservedAddrs; len(got) != 0 {
				t.Errorf("overlay address not released: %v", got)
			}
		})
	}
}

func TestDelete_NotFound(t *testing.T) {
	env := newTestEnv(t, "", nil)

	err := env.svc.Delete(context.Background(), "nope", true)
	if !engine.HasCode(err, engine.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestParseForce(t *testing.T) {
	tests := map[string]bool{
		"1":     true,
		"true":  true,
		"True":  true,
		"t":     true,
		"0":     false,
		"false": false,
		"yes":   false,
		"":      false,
	}
	for raw, want := range tests {
		if got := ParseForce(raw); got != want {
			t.Errorf("ParseForce(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestImageName(t *testing.T) {
	tests := map[string]string{
		"gluuopendj":                             "gluuopendj",
		"gluuoxauth:3.0.1":                       "gluuoxauth",
		"registry.example.com:5000/gluu/nginx":   "nginx",
		"registry.example.com:5000/gluu/oxidp:1": "oxidp",
	}
	for ref, want := range tests {
		if got := imageName(ref); got != want {
			t.Errorf("imageName(%q) = %q, want %q", ref, got, want)
		}
	}
}
