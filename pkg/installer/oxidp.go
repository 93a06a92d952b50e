package installer

import "context"

// OxIDP installs the SAML identity provider.
type OxIDP struct {
	*base
}

// NewOxIDP is the Constructor for oxidp nodes.
func NewOxIDP(env Env) (Installer, error) {
	b, err := newBase(env)
	if err != nil {
		return nil, err
	}
	return &OxIDP{base: b}, nil
}

// Setup implements Installer.
func (o *OxIDP) Setup(ctx context.Context) error {
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

	if err := o.exec(ctx, "mkdir -p "+certDir); err != nil {
		return err
	}
	if err := o.render(ctx, "oxidp/oxidp-ldap.properties.tmpl", tomcatConfDir+"/oxidp-ldap.properties", data); err != nil {
		return err
	}
	if err := o.copyTemplates(ctx, "oxidp/shibboleth2/idp/*", shibDir+"/idp", data); err != nil {
		return err
	}
	if err := o.genCert(ctx, "shibIDP", pw, "tomcat:tomcat", o.hostname()); err != nil {
		return err
	}
	if err := o.genKeystore(ctx, "shibIDP", shibJKS, pw, o.hostname()); err != nil {
		return err
	}

	o.logger.Info("starting tomcat")
	return o.exec(ctx, "service tomcat start")
}

// AfterSetup implements Installer.
func (o *OxIDP) AfterSetup(context.Context) error { return nil }

// Teardown implements Installer.
func (o *OxIDP) Teardown(context.Context) error { return nil }
