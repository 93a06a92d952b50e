package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ory/dockertest/docker"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

func TestParseBuildOutput(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		wantErr   bool
		wantLines int
	}{
		{
			name:      "successful build",
			output:    `{"stream":"Step 1/2 : FROM debian\n"}` + "\n" + `{"stream":"Successfully built abc123\n"}`,
			wantLines: 2,
		},
		{
			name:      "status records",
			output:    `{"status":"Pulling from library/debian"}{"stream":"done\n"}`,
			wantLines: 2,
		},
		{
			name:    "error detail",
			output:  `{"stream":"Step 1/2\n"}` + "\n" + `{"errorDetail":{"message":"no such file"},"error":"no such file"}`,
			wantErr: true,
		},
		{
			name:    "error without detail",
			output:  `{"error":"failed"}`,
			wantErr: true,
		},
		{
			name:    "malformed output",
			output:  `{"stream":"Step 1"}` + "\nnot json",
			wantErr: true,
		},
		{
			name:      "empty output",
			output:    "",
			wantLines: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseBuildOutput(strings.NewReader(tt.output))
			if (result.Err != nil) != tt.wantErr {
				t.Fatalf("ParseBuildOutput() err = %v, wantErr %v", result.Err, tt.wantErr)
			}
			if !tt.wantErr && len(result.Lines) != tt.wantLines {
				t.Errorf("ParseBuildOutput() lines = %v, want %d", result.Lines, tt.wantLines)
			}
		})
	}
}

type fakeClient struct {
	exists     bool
	buildOK    bool
	buildErr   error
	builtDir   string
	builtFiles []string
}

func (f *fakeClient) ImageExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeClient) BuildImage(_ context.Context, contextDir, _ string) (bool, error) {
	f.builtDir = contextDir
	entries, _ := os.ReadDir(contextDir)
	for _, e := range entries {
		f.builtFiles = append(f.builtFiles, e.Name())
	}
	return f.buildOK, f.buildErr
}

func (f *fakeClient) CreateAndStart(context.Context, ContainerSpec) (string, error) { return "", nil }
func (f *fakeClient) InspectAddress(context.Context, string) (string, error)        { return "", nil }
func (f *fakeClient) Stop(context.Context, string) error                            { return nil }
func (f *fakeClient) Remove(context.Context, string) error                          { return nil }

func TestEnsureImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	}))
	defer srv.Close()

	ctx := context.Background()
	urls := []string{srv.URL + "/ldap/Dockerfile", srv.URL + "/ldap/entrypoint.sh"}

	t.Run("image present skips build", func(t *testing.T) {
		c := &fakeClient{exists: true}
		if err := EnsureImage(ctx, c, "gluu/ldap", urls, nil); err != nil {
			t.Fatalf("EnsureImage() error = %v", err)
		}
		if c.builtDir != "" {
			t.Error("expected no build when the image exists")
		}
	})

	t.Run("missing image is built and scratch dir removed", func(t *testing.T) {
		c := &fakeClient{buildOK: true}
		if err := EnsureImage(ctx, c, "gluu/ldap", urls, nil); err != nil {
			t.Fatalf("EnsureImage() error = %v", err)
		}
		if len(c.builtFiles) != 2 {
			t.Errorf("build context files = %v, want 2", c.builtFiles)
		}
		if _, err := os.Stat(c.builtDir); !os.IsNotExist(err) {
			t.Errorf("scratch dir %s still exists", c.builtDir)
		}
	})

	t.Run("failed build", func(t *testing.T) {
		c := &fakeClient{buildOK: false}
		err := EnsureImage(ctx, c, "gluu/ldap", urls, nil)
		if !errors.Is(err, ErrBuildFailed) {
			t.Fatalf("EnsureImage() error = %v, want ErrBuildFailed", err)
		}
		if _, statErr := os.Stat(c.builtDir); !os.IsNotExist(statErr) {
			t.Errorf("scratch dir %s still exists", c.builtDir)
		}
	})

	t.Run("fetch failure", func(t *testing.T) {
		c := &fakeClient{buildOK: true}
		if err := EnsureImage(ctx, c, "gluu/ldap", []string{srv.URL + "/missing"}, nil); err == nil {
			t.Fatal("expected error for missing build context file")
		}
		if c.builtDir != "" {
			t.Error("build should not run after a fetch failure")
		}
	})

	t.Run("no build context", func(t *testing.T) {
		c := &fakeClient{}
		if err := EnsureImage(ctx, c, "gluu/ldap", nil, nil); !errors.Is(err, ErrBuildFailed) {
			t.Fatalf("EnsureImage() error = %v, want ErrBuildFailed", err)
		}
	})
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		notFound    bool
		unreachable bool
		conflict    bool
	}{
		{name: "nil", err: nil},
		{name: "no such container", err: &docker.NoSuchContainer{ID: "abc"}, notFound: true},
		{name: "no such image", err: docker.ErrNoSuchImage, notFound: true},
		{name: "api 404", err: &docker.Error{Status: 404, Message: "gone"}, notFound: true},
		{name: "api 409", err: &docker.Error{Status: 409}, conflict: true},
		{name: "already exists", err: docker.ErrContainerAlreadyExists, conflict: true},
		{name: "connection refused", err: docker.ErrConnectionRefused, unreachable: true},
		{name: "wrapped unreachable", err: fmt.Errorf("stop: %w", ErrUnreachable), unreachable: true},
		{name: "dial error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, unreachable: true},
		{name: "api 500", err: &docker.Error{Status: 500}},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.notFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.notFound)
			}
			if got := IsUnreachable(tt.err); got != tt.unreachable {
				t.Errorf("IsUnreachable() = %v, want %v", got, tt.unreachable)
			}
			if got := IsConflict(tt.err); got != tt.conflict {
				t.Errorf("IsConflict() = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestCreateOptions(t *testing.T) {
	spec := ContainerSpec{
		Name:  "gluuopendj_1a2b3c4d",
		Image: "gluuopendj:latest",
		Ports: []PortBinding{
			{ContainerPort: 1636, HostPort: 1636},
			{ContainerPort: 53, Protocol: "udp"},
		},
		Volumes: []Volume{
			{HostPath: "/var/gluu/opendj/db", ContainerPath: "/opt/opendj/db"},
			{HostPath: "/etc/certs", ContainerPath: "/etc/certs", ReadOnly: true},
		},
		Env:       []string{PlacementEnv("worker-1")},
		Ulimits:   []Ulimit{{Name: "nofile", Soft: 65536, Hard: 131072}},
		DNS:       []string{"172.17.42.1"},
		DNSSearch: []string{"weave.local"},
	}

	opts := createOptions(spec)

	if opts.Name != spec.Name || opts.Config.Image != spec.Image {
		t.Errorf("name/image = %s/%s", opts.Name, opts.Config.Image)
	}
	if got := opts.Config.Env; len(got) != 1 || got[0] != "constraint:node==worker-1" {
		t.Errorf("Env = %v", got)
	}
	if b := opts.HostConfig.PortBindings["1636/tcp"]; len(b) != 1 || b[0].HostPort != "1636" {
		t.Errorf("PortBindings[1636/tcp] = %v", b)
	}
	if b := opts.HostConfig.PortBindings["53/udp"]; len(b) != 1 || b[0].HostPort != "" {
		t.Errorf("PortBindings[53/udp] = %v", b)
	}
	if _, ok := opts.Config.ExposedPorts["1636/tcp"]; !ok {
		t.Error("1636/tcp should be exposed")
	}
	want := []string{"/var/gluu/opendj/db:/opt/opendj/db", "/etc/certs:/etc/certs:ro"}
	for i, bind := range opts.HostConfig.Binds {
		if bind != want[i] {
			t.Errorf("Binds[%d] = %s, want %s", i, bind, want[i])
		}
	}
	if !opts.HostConfig.PublishAllPorts {
		t.Error("PublishAllPorts should be set")
	}
	if u := opts.HostConfig.Ulimits; len(u) != 1 || u[0].Soft != 65536 || u[0].Hard != 131072 {
		t.Errorf("Ulimits = %v", u)
	}
	if d := opts.HostConfig.DNS; len(d) != 1 || d[0] != "172.17.42.1" {
		t.Errorf("DNS = %v", d)
	}
	if d := opts.HostConfig.DNSSearch; len(d) != 1 || d[0] != "weave.local" {
		t.Errorf("DNSSearch = %v", d)
	}
}

func newTestStore(t *testing.T) stores.Store {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	host := model.NewHost("worker-1", model.HostTypeWorker, "10.0.0.5", "tcp://10.0.0.5:2375")
	if err := store.Persist(ctx, stores.TableHosts, host); err != nil {
		t.Fatal(err)
	}

	f := NewFactory(store, "tcp://10.0.0.1:2376", TLSConfig{}, nil)

	c, err := f.Docker(ctx, host.ID)
	if err != nil {
		t.Fatalf("Docker() error = %v", err)
	}
	if c.Endpoint() != "tcp://10.0.0.5:2375" {
		t.Errorf("Endpoint() = %s", c.Endpoint())
	}

	again, err := f.Docker(ctx, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again != c {
		t.Error("clients should be cached per endpoint")
	}

	fallback, err := f.Docker(ctx, "gone")
	if err != nil {
		t.Fatalf("Docker() fallback error = %v", err)
	}
	if fallback.Endpoint() != "tcp://10.0.0.1:2376" {
		t.Errorf("fallback Endpoint() = %s, want manager", fallback.Endpoint())
	}

	noManager := NewFactory(store, "", TLSConfig{}, nil)
	if _, err := noManager.ForHost(ctx, "gone"); err == nil {
		t.Error("expected error without a manager endpoint")
	}
}

func TestAgentDialer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	host := model.NewHost("worker-1", model.HostTypeWorker, "10.0.0.5", "tcp://10.0.0.5:2375")
	if err := store.Persist(ctx, stores.TableHosts, host); err != nil {
		t.Fatal(err)
	}
	node := model.NewNode(model.NodeTypeLDAP, "gluuopendj", "cluster-1", host.ID)
	node.RuntimeID = "0123456789ab"
	if err := store.Persist(ctx, stores.TableNodes, node); err != nil {
		t.Fatal(err)
	}

	dialer := NewAgentDialer(NewFactory(store, "tcp://10.0.0.1:2376", TLSConfig{}, nil), store)

	tr, err := dialer.Dial(ctx, "0123456789ab")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if et, ok := tr.(*ExecTransport); !ok || et.container != "0123456789ab" {
		t.Errorf("Dial() = %#v", tr)
	}

	tr, err = dialer.Dial(ctx, "ffffffffffff")
	if err != nil {
		t.Fatalf("Dial() unknown container error = %v", err)
	}
	if et := tr.(*ExecTransport); et.container != "ffffffffffff" {
		t.Errorf("container = %s", et.container)
	}
}

func TestAgentDialer_NodeStartedWithoutManager(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	host := model.NewHost("worker-1", model.HostTypeWorker, "10.0.0.5", "tcp://10.0.0.5:2375")
	if err := store.Persist(ctx, stores.TableHosts, host); err != nil {
		t.Fatal(err)
	}
	node := model.NewNode(model.NodeTypeLDAP, "gluuopendj", "cluster-1", host.ID)
	if err := store.Persist(ctx, stores.TableNodes, node); err != nil {
		t.Fatal(err)
	}

	// Setup saves the runtime id as soon as the container started.
	node.RuntimeID = "0123456789ab"
	if err := store.Update(ctx, stores.TableNodes, node.ID, node); err != nil {
		t.Fatal(err)
	}

	factory := NewFactory(store, "", TLSConfig{}, nil)
	tr, err := NewAgentDialer(factory, store).Dial(ctx, node.RuntimeID)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	hostClient, err := factory.Docker(ctx, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	et, ok := tr.(*ExecTransport)
	if !ok {
		t.Fatalf("Dial() = %#v", tr)
	}
	if et.api != hostClient.api {
		t.Error("exec transport does not use the engine of the node's host")
	}
}

func TestFetchBuildContextRejectsBareURL(t *testing.T) {
	if err := FetchBuildContext(context.Background(), http.DefaultClient, []string{"http://example.invalid/"}, t.TempDir()); err == nil {
		t.Fatal("expected error for url without a file name")
	}
}

func TestVolumeBind(t *testing.T) {
	v := Volume{HostPath: "/a", ContainerPath: "/b"}
	if got := v.Bind(); got != "/a:/b" {
		t.Errorf("Bind() = %s", got)
	}
	if got := (PortBinding{ContainerPort: 80}).Port(); got != "80/tcp" {
		t.Errorf("Port() = %s", got)
	}
}
