package installer

import (
	"context"
	"fmt"
)

// tomcatData is the template context shared by the tomcat based workloads.
func (b *base) tomcatData(ctx context.Context) (map[string]any, error) {
	hosts, err := b.ldapHosts(ctx)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("no deployed directory in cluster %s", b.cluster().Name)
	}

	c := b.cluster()
	return map[string]any{
		"LdapHosts":         hosts,
		"BindDN":            ldapBindDN,
		"EncodedLdapPW":     c.EncodedLdapPW,
		"InumOrg":           c.InumOrg,
		"InumAppliance":     c.InumAppliance,
		"OxClusterHostname": b.hostname(),
		"AdminEmail":        c.AdminEmail,
		"WeaveIP":           b.node().WeaveIP,
		"CertDir":           certDir,
	}, nil
}

// OxAuth installs the OpenID Connect provider.
type OxAuth struct {
	*base
}

// NewOxAuth is the Constructor for oxauth nodes.
func NewOxAuth(env Env) (Installer, error) {
	b, err := newBase(env)
	if err != nil {
		return nil, err
	}
	return &OxAuth{base: b}, nil
}

// Setup implements Installer.
func (o *OxAuth) Setup(ctx context.Context) error {
	pw, err := o.cluster().AdminPassword()
	if err != nil {
		return err
	}
	data, err := o.tomcatData(ctx)
	if err != nil {
		return err
	}

	if err := o.exec(ctx, "mkdir -p "+certDir); err != nil {
		return err
	}
	if err := o.render(ctx, "oxauth/oxauth-ldap.properties.tmpl", tomcatConfDir+"/oxauth-ldap.properties", data); err != nil {
		return err
	}
	if err := o.render(ctx, "oxauth/oxauth-config.xml.tmpl", tomcatConfDir+"/oxauth-config.xml", data); err != nil {
		return err
	}
	if err := o.genCert(ctx, "oxauth", pw, "tomcat:tomcat", o.hostname()); err != nil {
		return err
	}

	o.logger.Info("starting tomcat")
	return o.exec(ctx, "service tomcat start")
}

// AfterSetup adds the new upstream to every gateway.
func (o *OxAuth) AfterSetup(ctx context.Context) error {
	return o.refreshGateways(ctx)
}

// Teardown drops this upstream from every gateway. The node is no longer
// SUCCESS at this point, so it is left out of the rendered config.
func (o *OxAuth) Teardown(ctx context.Context) error {
	return o.refreshGateways(ctx)
}
