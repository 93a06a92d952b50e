package installer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluufederation/gluu-engine/pkg/model"
)

const (
	shibDir     = tomcatConfDir + "/shibboleth2"
	shibJKS     = certDir + "/shibIDP.jks"
	gatewayCert = "/tmp/ox.cert"
)

// OxTrust installs the admin web application.
type OxTrust struct {
	*base
}

// NewOxTrust is the Constructor for oxtrust nodes.
func NewOxTrust(env Env) (Installer, error) {
	b, err := newBase(env)
	if err != nil {
		return nil, err
	}
	return &OxTrust{base: b}, nil
}

// Setup implements Installer.
func (o *OxTrust) Setup(ctx context.Context) error {
	pw, err := o.cluster().AdminPassword()
	if err != nil {
		return err
	}
	data, err := o.tomcatData(ctx)
	if err != nil {
		return err
	}
	data["ShibJKS"] = shibJKS
	data["ShibJKSPass"] = pw
	data["TrustStore"] = javaTrustStore

	if err := o.exec(ctx, "mkdir -p "+certDir); err != nil {
		return err
	}

	files := map[string]string{
		"oxtrust/oxtrust-ldap.properties.tmpl": tomcatConfDir + "/oxtrust-ldap.properties",
		"oxtrust/oxtrust-config.json.tmpl":     tomcatConfDir + "/oxtrust-config.json",
		"oxtrust/server.xml.tmpl":              tomcatConfDir + "/server.xml",
	}
	for _, tmpl := range sortedKeys(files) {
		if err := o.render(ctx, tmpl, files[tmpl], data); err != nil {
			return err
		}
	}

	for _, dir := range []string{"idp", "sp"} {
		if err := o.copyTemplates(ctx, "oxtrust/shibboleth2/"+dir+"/*", shibDir+"/"+dir, data); err != nil {
			return err
		}
	}

	hostname := "localhost"
	if err := o.genCert(ctx, "shibIDP", pw, "tomcat:tomcat", hostname); err != nil {
		return err
	}
	if err := o.genKeystore(ctx, "shibIDP", shibJKS, pw, hostname); err != nil {
		return err
	}

	o.logger.Info("starting tomcat")
	return o.exec(ctx, "service tomcat start")
}

func (b *base) genKeystore(ctx context.Context, suffix, keystore, password, hostname string) error {
	pkcs := fmt.Sprintf("%s/%s.pkcs12", certDir, suffix)
	return b.batch(ctx,
		fmt.Sprintf("openssl pkcs12 -export -inkey %s/%s.key -in %s/%s.crt -out %s -name %s -passout pass:'%s'",
			certDir, suffix, certDir, suffix, pkcs, hostname, password),
		fmt.Sprintf("keytool -importkeystore -srckeystore %s -srcstoretype PKCS12 -srcstorepass '%s' -destkeystore %s -deststorepass '%s' -destkeypass '%s' -noprompt",
			pkcs, password, keystore, password, password),
		fmt.Sprintf("chown tomcat:tomcat %s", keystore),
	)
}

// AfterSetup registers the new upstream with every gateway, then discovers
// a deployed gateway on the same host and trusts it.
func (o *OxTrust) AfterSetup(ctx context.Context) error {
	var errs []error
	if err := o.refreshGateways(ctx); err != nil {
		errs = append(errs, err)
	}

	gateways, err := o.siblingsOnHost(ctx, model.NodeTypeNginx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if len(gateways) == 0 {
		o.logger.Debug("no gateway on this host yet")
		return errors.Join(errs...)
	}
	if err := o.trustGateway(ctx, gateways[0]); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// trustGateway maps the cluster hostname to the gateway and imports its
// certificate into the JVM trust store.
func (o *OxTrust) trustGateway(ctx context.Context, gw *model.Node) error {
	host := o.hostname()
	addr := gatewayAddr(gw)

	o.logger.Infof("adding gateway %s to /etc/hosts", gw.Name)
	if err := o.execAsync(ctx, fmt.Sprintf(
		"grep -q '^%[1]s %[2]s$' /etc/hosts || echo '%[1]s %[2]s' >> /etc/hosts", addr, host)); err != nil {
		return err
	}

	o.logger.Info("importing gateway certificate")
	if err := o.execAsync(ctx, fmt.Sprintf(
		"echo -n | openssl s_client -connect %s:443 | sed -ne '/-BEGIN CERTIFICATE-/,/-END CERTIFICATE-/p' > %s",
		host, gatewayCert)); err != nil {
		return err
	}
	return o.execAsync(ctx, fmt.Sprintf(
		"keytool -importcert -trustcacerts -alias '%s' -file %s -keystore %s -storepass changeit -noprompt",
		host, gatewayCert, javaTrustStore))
}

// Teardown removes the gateway certificate and hosts entry.
func (o *OxTrust) Teardown(ctx context.Context) error {
	host := o.hostname()
	var errs []error

	o.logger.Info("deleting gateway certificate")
	if err := o.exec(ctx, fmt.Sprintf(
		"keytool -delete -alias %s -keystore %s -storepass changeit -noprompt", host, javaTrustStore)); err != nil {
		errs = append(errs, err)
	}

	gateways, err := o.siblingsOnHost(ctx, model.NodeTypeNginx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, gw := range gateways {
		// /etc/hosts is bind mounted and cannot be replaced with sed -i.
		if err := o.batch(ctx,
			"cp /etc/hosts /tmp/hosts",
			fmt.Sprintf("sed -i 's/%s %s//g' /tmp/hosts && sed -i '/^$/d' /tmp/hosts", gatewayAddr(gw), host),
			"cp /tmp/hosts /etc/hosts",
		); err != nil {
			errs = append(errs, err)
		}
	}

	if err := o.refreshGateways(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func gatewayAddr(gw *model.Node) string {
	if gw.WeaveIP != "" {
		return gw.WeaveIP
	}
	return gw.IP
}
