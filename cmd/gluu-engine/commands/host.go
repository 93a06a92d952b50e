package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/nodes"
)

func newHostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "host",
		Aliases: []string{"provider"},
		Short:   "Manage provider hosts",
	}

	cmd.AddCommand(newHostAddCommand())
	cmd.AddCommand(newHostListCommand())
	cmd.AddCommand(newHostDeleteCommand())

	return cmd
}

func newHostAddCommand() *cobra.Command {
	var (
		req      nodes.HostRequest
		hostType string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a provider host",
		Long: `Register a host running a container engine.

Exactly one host is the master; it runs the cluster manager that takes over
container operations when a worker record is gone. SSH settings are used
for overlay network commands on the host.`,
		Example: `  # Register the master host with a TLS protected engine
  gluu-engine host add --name master-1 --type master --address 10.0.0.5 \
    --docker-endpoint tcp://10.0.0.5:2376 \
    --tls-cert /etc/gluu-engine/tls/cert.pem --tls-key /etc/gluu-engine/tls/key.pem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = model.HostType(hostType)

			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			h, err := a.nodes.CreateHost(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Registered %s host %s (%s)\n", h.Type, h.Name, h.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "host name")
	f.StringVar(&hostType, "type", string(model.HostTypeWorker), "host type (master, worker)")
	f.StringVar(&req.Address, "address", "", "host address")
	f.StringVar(&req.DockerEndpoint, "docker-endpoint", "", "container engine endpoint")
	f.IntVar(&req.SSHPort, "ssh-port", 22, "SSH port")
	f.StringVar(&req.SSHUser, "ssh-user", "root", "SSH user")
	f.StringVar(&req.SSHKeyPath, "ssh-key", "", "SSH private key path")
	f.StringVar(&req.TLSCertPath, "tls-cert", "", "engine client certificate")
	f.StringVar(&req.TLSKeyPath, "tls-key", "", "engine client key")
	f.StringVar(&req.TLSCAPath, "tls-ca", "", "engine CA certificate")

	return cmd
}

func newHostListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provider hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.nodes.ListHosts(cmd.Context())
			if err != nil {
				return err
			}
			return printHosts(cmd.OutOrStdout(), list)
		},
	}
}

func newHostDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Remove a host that runs no nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.nodes.DeleteHost(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Host %s removed\n", args[0])
			return nil
		},
	}
}
