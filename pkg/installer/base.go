package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gluufederation/gluu-engine/pkg/agent"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

const (
	certDir        = "/etc/certs"
	javaTrustStore = "/usr/lib/jvm/default-java/jre/lib/security/cacerts"
	tomcatConfDir  = "/opt/tomcat/conf"
	ldapsPort      = 1636
)

// base holds the helpers shared by every installer.
type base struct {
	env      Env
	buildDir string
	logger   *telemetry.Logger
}

func newBase(env Env) (*base, error) {
	dir, err := newBuildDir(env.Node)
	if err != nil {
		return nil, err
	}
	logger := env.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &base{env: env, buildDir: dir, logger: logger}, nil
}

func (b *base) node() *model.Node       { return b.env.Node }
func (b *base) cluster() *model.Cluster { return b.env.Cluster }

// RemoveBuildDir implements Installer.
func (b *base) RemoveBuildDir() error {
	if b.buildDir == "" {
		return nil
	}
	if err := os.RemoveAll(b.buildDir); err != nil {
		return fmt.Errorf("failed to remove build directory %s: %w", b.buildDir, err)
	}
	b.buildDir = ""
	return nil
}

// exec runs a command on this workload; a non-zero exit is an error.
func (b *base) exec(ctx context.Context, run string) error {
	return b.execOn(ctx, b.node().RuntimeID, run)
}

func (b *base) execOn(ctx context.Context, id, run string) error {
	res, err := b.env.Remote.Run(ctx, id, agent.Command{Run: run})
	if err != nil {
		return err
	}
	return checkResult(res)
}

// execAsync starts a command as a job and waits for its completion event.
func (b *base) execAsync(ctx context.Context, run string) error {
	id := b.node().RuntimeID
	jobID, err := b.env.Remote.RunAsync(ctx, id, agent.Command{Run: run})
	if err != nil {
		return err
	}
	res, err := b.env.Remote.AwaitJob(ctx, jobID, id)
	if err != nil {
		return err
	}
	return checkResult(res)
}

// batch runs every command in order and reports all failures.
func (b *base) batch(ctx context.Context, runs ...string) error {
	return b.batchOn(ctx, b.node().RuntimeID, runs...)
}

func (b *base) batchOn(ctx context.Context, id string, runs ...string) error {
	cmds := make([]agent.Command, 0, len(runs))
	for _, run := range runs {
		cmds = append(cmds, agent.Command{Run: run})
	}

	results, err := b.env.Remote.RunBatch(ctx, id, cmds)
	errs := []error{err}
	for _, res := range results {
		if res != nil {
			errs = append(errs, checkResult(res))
		}
	}
	return errors.Join(errs...)
}

func checkResult(res *agent.Result) error {
	if res.OK() {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	return fmt.Errorf("command %q exited with %d: %s", res.Command, res.ExitCode, msg)
}

// push copies a local file into this workload.
func (b *base) push(ctx context.Context, localPath, remotePath string) error {
	return b.env.Remote.CopyFile(ctx, b.node().RuntimeID, localPath, remotePath)
}

// renderTo renders tmpl into the build directory and pushes the result to
// dest on the workload with id.
func (b *base) renderTo(ctx context.Context, id, tmpl, dest string, data any) error {
	out, err := b.env.Renderer.Render(tmpl, data)
	if err != nil {
		return err
	}

	local := filepath.Join(b.buildDir, path.Base(dest))
	if err := os.WriteFile(local, out, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", local, err)
	}

	b.logger.Debugf("rendering %s to %s", tmpl, dest)
	return b.env.Remote.CopyFile(ctx, id, local, dest)
}

func (b *base) render(ctx context.Context, tmpl, dest string, data any) error {
	return b.renderTo(ctx, b.node().RuntimeID, tmpl, dest, data)
}

// copyTemplates pushes every template matching pattern, rendered with data,
// into destDir.
func (b *base) copyTemplates(ctx context.Context, pattern, destDir string, data any) error {
	names, err := b.env.Renderer.Glob(pattern)
	if err != nil {
		return fmt.Errorf("invalid template pattern %s: %w", pattern, err)
	}
	if len(names) == 0 {
		return nil
	}
	if err := b.exec(ctx, "mkdir -p "+destDir); err != nil {
		return err
	}
	for _, name := range names {
		dest := path.Join(destDir, strings.TrimSuffix(path.Base(name), ".tmpl"))
		if err := b.render(ctx, name, dest, data); err != nil {
			return err
		}
	}
	return nil
}

// genCert creates a self-signed certificate named suffix in the cert
// directory, owned by owner, and trusts it in the JVM trust store.
func (b *base) genCert(ctx context.Context, suffix, password, owner, hostname string) error {
	c := b.cluster()
	key := fmt.Sprintf("%s/%s.key", certDir, suffix)
	subject := fmt.Sprintf("/C=%s/ST=%s/L=%s/O=%s/CN=%s/emailAddress=%s",
		c.CountryCode, c.State, c.City, c.OrgName, hostname, c.AdminEmail)

	b.logger.Infof("generating certificate for %s", suffix)
	return b.batch(ctx,
		"mkdir -p "+certDir,
		fmt.Sprintf("openssl genrsa -des3 -out %s.orig -passout pass:'%s' 2048", key, password),
		fmt.Sprintf("openssl rsa -in %s.orig -passin pass:'%s' -out %s", key, password, key),
		fmt.Sprintf("openssl req -new -key %s -out %s/%s.csr -subj '%s'", key, certDir, suffix, subject),
		fmt.Sprintf("openssl x509 -req -days 365 -in %s/%s.csr -signkey %s -out %s/%s.crt", certDir, suffix, key, certDir, suffix),
		fmt.Sprintf("chown %s %s/%s.*", owner, certDir, suffix),
		fmt.Sprintf("keytool -import -trustcacerts -alias %s_%s -file %s/%s.crt -keystore %s -storepass changeit -noprompt",
			hostname, suffix, certDir, suffix, javaTrustStore),
	)
}

// siblings returns the other SUCCESS nodes of the given type in the
// cluster, oldest first.
func (b *base) siblings(ctx context.Context, t model.NodeType) ([]*model.Node, error) {
	return b.siblingsWhere(ctx, stores.Where(
		"cluster_id", b.cluster().ID,
		"type", t,
		"state", model.StateSuccess,
	))
}

// siblingsOnHost is siblings restricted to this node's host.
func (b *base) siblingsOnHost(ctx context.Context, t model.NodeType) ([]*model.Node, error) {
	return b.siblingsWhere(ctx, stores.Where(
		"cluster_id", b.cluster().ID,
		"host_id", b.node().HostID,
		"type", t,
		"state", model.StateSuccess,
	))
}

func (b *base) siblingsWhere(ctx context.Context, pred stores.Predicate) ([]*model.Node, error) {
	nodes, err := stores.SearchAs[model.Node](ctx, b.env.Store, stores.TableNodes, pred)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sibling nodes: %w", err)
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.ID != b.node().ID {
			out = append(out, n)
		}
	}
	return out, nil
}

// ldapHosts lists host:port of every SUCCESS directory in the cluster.
func (b *base) ldapHosts(ctx context.Context) ([]string, error) {
	dirs, err := b.siblings(ctx, model.NodeTypeLDAP)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(dirs))
	for _, d := range dirs {
		hosts = append(hosts, fmt.Sprintf("%s:%d", d.DomainName, ldapsPort))
	}
	return hosts, nil
}

func (b *base) hostname() string {
	if h := b.cluster().OxClusterHostname; h != "" {
		return h
	}
	return b.node().DomainName
}

// refreshGateways re-renders and reloads every gateway in the cluster so it
// picks up added or removed upstreams.
func (b *base) refreshGateways(ctx context.Context) error {
	gateways, err := b.siblings(ctx, model.NodeTypeNginx)
	if err != nil {
		return err
	}

	var errs []error
	for _, gw := range gateways {
		b.logger.Infof("reloading gateway %s", gw.Name)
		if err := renderGatewayConfig(ctx, b, gw); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.execOn(ctx, gw.RuntimeID, "service nginx reload"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
