package installer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

const gatewayConf = "/etc/nginx/sites-available/gluu_https.conf"

// Nginx installs the HTTPS gateway in front of oxauth and oxtrust.
type Nginx struct {
	*base
}

// NewNginx is the Constructor for gateway nodes.
func NewNginx(env Env) (Installer, error) {
	b, err := newBase(env)
	if err != nil {
		return nil, err
	}
	return &Nginx{base: b}, nil
}

// Setup implements Installer.
func (n *Nginx) Setup(ctx context.Context) error {
	if err := n.genCert(ctx, "nginx", "", "www-data:www-data", n.hostname()); err != nil {
		return err
	}
	if err := renderGatewayConfig(ctx, n.base, n.node()); err != nil {
		return err
	}

	n.logger.Info("starting nginx")
	return n.batch(ctx,
		fmt.Sprintf("ln -sf %s /etc/nginx/sites-enabled/gluu_https.conf", gatewayConf),
		"service nginx restart",
	)
}

// AfterSetup lets every oxtrust on this host trust the new gateway.
func (n *Nginx) AfterSetup(ctx context.Context) error {
	admins, err := n.siblingsOnHost(ctx, model.NodeTypeOxTrust)
	if err != nil {
		return err
	}

	var errs []error
	for _, admin := range admins {
		env := n.env
		env.Node = admin
		peer := &OxTrust{base: &base{env: env, buildDir: n.buildDir, logger: n.logger}}
		if err := peer.trustGateway(ctx, n.node()); err != nil {
			errs = append(errs, fmt.Errorf("oxtrust %s: %w", admin.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Teardown stops the gateway.
func (n *Nginx) Teardown(ctx context.Context) error {
	return n.exec(ctx, "service nginx stop")
}

// renderGatewayConfig writes the gateway config of gw with the current set
// of deployed upstreams.
func renderGatewayConfig(ctx context.Context, b *base, gw *model.Node) error {
	oxauth, err := deployed(ctx, b, model.NodeTypeOxAuth)
	if err != nil {
		return err
	}
	oxtrust, err := deployed(ctx, b, model.NodeTypeOxTrust)
	if err != nil {
		return err
	}

	data := map[string]any{
		"OxClusterHostname": b.hostname(),
		"CertDir":           certDir,
		"OxAuthUpstreams":   upstreams(oxauth, 8443),
		"OxTrustUpstreams":  upstreams(oxtrust, 8443),
	}
	return b.renderTo(ctx, gw.RuntimeID, "nginx/gluu_https.conf.tmpl", gatewayConf, data)
}

// deployed lists every SUCCESS node of type t in the cluster, including the
// node being installed.
func deployed(ctx context.Context, b *base, t model.NodeType) ([]*model.Node, error) {
	nodes, err := stores.SearchAs[model.Node](ctx, b.env.Store, stores.TableNodes, stores.Where(
		"cluster_id", b.cluster().ID,
		"type", t,
		"state", model.StateSuccess,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s upstreams: %w", t, err)
	}
	return nodes, nil
}

func upstreams(nodes []*model.Node, port int) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, fmt.Sprintf("%s:%d", n.DomainName, port))
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
