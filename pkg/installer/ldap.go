package installer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gluufederation/gluu-engine/pkg/model"
)

const (
	opendjDir       = "/opt/opendj"
	opendjPassFile  = "/home/ldap/.pw"
	opendjAdminPort = 4444
	replicationPort = 8989
	ldapBaseDN      = "o=gluu"
	ldapBindDN      = "cn=directory manager"
)

// LDAP installs an OpenDJ directory server.
type LDAP struct {
	*base
}

// NewLDAP is the Constructor for directory nodes.
func NewLDAP(env Env) (Installer, error) {
	b, err := newBase(env)
	if err != nil {
		return nil, err
	}
	return &LDAP{base: b}, nil
}

func (l *LDAP) adminArgs(host string) string {
	return fmt.Sprintf("--hostname %s --port %d --bindDN '%s' --bindPasswordFile %s --trustAll --no-prompt",
		host, opendjAdminPort, ldapBindDN, opendjPassFile)
}

// Setup implements Installer.
func (l *LDAP) Setup(ctx context.Context) error {
	pw, err := l.cluster().AdminPassword()
	if err != nil {
		return err
	}

	// Only the first directory of a cluster is seeded; later ones receive
	// the data through replication.
	peers, err := l.siblings(ctx, model.NodeTypeLDAP)
	if err != nil {
		return err
	}

	data := map[string]any{
		"Hostname":  l.node().DomainName,
		"LdapsPort": ldapsPort,
		"AdminPort": opendjAdminPort,
		"BindDN":    ldapBindDN,
		"Password":  pw,
		"BaseDN":    ldapBaseDN,
	}

	if err := l.render(ctx, "ldap/opendj-setup.properties.tmpl", opendjDir+"/opendj-setup.properties", data); err != nil {
		return err
	}
	if err := l.render(ctx, "ldap/pw.tmpl", opendjPassFile, data); err != nil {
		return err
	}

	l.logger.Info("running opendj setup")
	if err := l.exec(ctx, fmt.Sprintf(
		"%s/setup --no-prompt --cli --acceptLicense --propertiesFilePath %s/opendj-setup.properties --doNotStart",
		opendjDir, opendjDir)); err != nil {
		return err
	}
	if err := l.exec(ctx, opendjDir+"/bin/start-ds"); err != nil {
		return err
	}

	if err := l.configure(ctx); err != nil {
		return err
	}
	if err := l.importSchema(ctx); err != nil {
		return err
	}
	if len(peers) == 0 {
		if err := l.importData(ctx, data); err != nil {
			return err
		}
	}

	return l.exportCert(ctx)
}

func (l *LDAP) configure(ctx context.Context) error {
	args := l.adminArgs("localhost")
	props := []string{
		"set-global-configuration-prop --set single-structural-objectclass-behavior:accept",
		"set-attribute-syntax-prop --syntax-name 'Directory String' --set allow-zero-length-values:true",
		"set-password-policy-prop --policy-name 'Default Password Policy' --set allow-pre-encoded-passwords:true",
		"set-log-publisher-prop --publisher-name 'File-Based Audit Logger' --set enabled:true",
		"create-backend --backend-name site --set base-dn:o=site --type je --set enabled:true",
	}

	cmds := make([]string, 0, len(props))
	for _, p := range props {
		cmds = append(cmds, fmt.Sprintf("%s/bin/dsconfig %s %s", opendjDir, args, p))
	}

	l.logger.Info("configuring opendj")
	return l.batch(ctx, cmds...)
}

func (l *LDAP) importSchema(ctx context.Context) error {
	l.logger.Info("importing schema")
	return l.copyTemplates(ctx, "ldap/schema/*.ldif", opendjDir+"/config/schema", nil)
}

func (l *LDAP) importData(ctx context.Context, data map[string]any) error {
	names, err := l.env.Renderer.Glob("ldap/ldif/*.ldif.tmpl")
	if err != nil {
		return err
	}

	c := l.cluster()
	data["InumOrg"] = c.InumOrg
	data["InumAppliance"] = c.InumAppliance
	data["OrgName"] = c.OrgName
	data["AdminEmail"] = c.AdminEmail
	data["EncodedPassword"] = c.EncodedLdapPW

	l.logger.Info("importing initial data")
	for _, name := range names {
		dest := "/tmp/" + strings.TrimSuffix(path.Base(name), ".tmpl")
		if err := l.render(ctx, name, dest, data); err != nil {
			return err
		}

		backend := "userRoot"
		if strings.HasPrefix(path.Base(name), "o_site") {
			backend = "site"
		}
		if err := l.exec(ctx, fmt.Sprintf("%s/bin/import-ldif %s --ldifFile %s --backendID %s --append",
			opendjDir, l.adminArgs("localhost"), dest, backend)); err != nil {
			return err
		}
	}
	return nil
}

func (l *LDAP) exportCert(ctx context.Context) error {
	l.logger.Info("exporting opendj certificate")
	return l.batch(ctx,
		"mkdir -p "+certDir,
		fmt.Sprintf("keytool -exportcert -rfc -alias server-cert -keystore %s/config/truststore -storepass \"$(cat %s/config/keystore.pin)\" -file %s/opendj.crt",
			opendjDir, opendjDir, certDir),
		fmt.Sprintf("keytool -import -trustcacerts -alias %s_opendj -file %s/opendj.crt -keystore %s -storepass changeit -noprompt",
			l.node().DomainName, certDir, javaTrustStore),
	)
}

// AfterSetup enables replication with every other deployed directory.
func (l *LDAP) AfterSetup(ctx context.Context) error {
	peers, err := l.siblings(ctx, model.NodeTypeLDAP)
	if err != nil {
		return err
	}

	var errs []error
	for _, peer := range peers {
		l.logger.Infof("enabling replication with %s", peer.DomainName)
		err := l.batch(ctx,
			fmt.Sprintf("%s/bin/dsreplication enable --host1 %s --port1 %d --bindDN1 '%s' --bindPasswordFile1 %s --replicationPort1 %d "+
				"--host2 %s --port2 %d --bindDN2 '%s' --bindPasswordFile2 %s --replicationPort2 %d "+
				"--adminUID admin --adminPasswordFile %s --baseDN %s --secureReplication1 --secureReplication2 --trustAll --no-prompt",
				opendjDir,
				peer.DomainName, opendjAdminPort, ldapBindDN, opendjPassFile, replicationPort,
				l.node().DomainName, opendjAdminPort, ldapBindDN, opendjPassFile, replicationPort,
				opendjPassFile, ldapBaseDN),
			fmt.Sprintf("%s/bin/dsreplication initialize --baseDN %s --adminUID admin --adminPasswordFile %s "+
				"--hostSource %s --portSource %d --hostDestination %s --portDestination %d --trustAll --no-prompt",
				opendjDir, ldapBaseDN, opendjPassFile,
				peer.DomainName, opendjAdminPort, l.node().DomainName, opendjAdminPort),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("replication with %s: %w", peer.DomainName, err))
		}
	}
	return errors.Join(errs...)
}

// Teardown disables replication so the remaining directories stop
// replicating to this one.
func (l *LDAP) Teardown(ctx context.Context) error {
	peers, err := l.siblings(ctx, model.NodeTypeLDAP)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}

	l.logger.Info("disabling replication")
	return l.exec(ctx, fmt.Sprintf(
		"%s/bin/dsreplication disable --hostname %s --port %d --adminUID admin --adminPasswordFile %s --disableAll --trustAll --no-prompt",
		opendjDir, l.node().DomainName, opendjAdminPort, opendjPassFile))
}
