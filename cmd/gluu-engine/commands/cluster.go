package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/nodes"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

func newClusterCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}

	cmd.AddCommand(newClusterCreateCommand())
	cmd.AddCommand(newClusterListCommand())
	cmd.AddCommand(newClusterGetCommand())
	cmd.AddCommand(newClusterDeleteCommand())
	cmd.AddCommand(newClusterDeployCommand(version))

	return cmd
}

func newClusterCreateCommand() *cobra.Command {
	var req nodes.ClusterRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cluster",
		Long: `Create a cluster record.

The admin password is also used as the directory manager password. It is
read from GLUU_ADMIN_PW when --admin-pw is not given.`,
		Example: `  gluu-engine cluster create --name prod --domain-suffix gluu.local \
    --ox-cluster-hostname idp.example.com --org-name "Example Inc" \
    --org-short-name example --country US --city Austin --state TX \
    --admin-email admin@example.com --weave-network 10.2.0.0/16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.AdminPassword == "" {
				req.AdminPassword = os.Getenv("GLUU_ADMIN_PW")
			}

			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.nodes.CreateCluster(cmd.Context(), req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created cluster %s (%s)\n", c.Name, c.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Name, "name", "", "cluster name")
	f.StringVar(&req.Description, "description", "", "cluster description")
	f.StringVar(&req.DomainSuffix, "domain-suffix", "gluu.local", "domain suffix of node names")
	f.StringVar(&req.OxClusterHostname, "ox-cluster-hostname", "", "public hostname of the cluster")
	f.StringVar(&req.OrgName, "org-name", "", "organization name")
	f.StringVar(&req.OrgShortName, "org-short-name", "", "organization short name")
	f.StringVar(&req.CountryCode, "country", "", "ISO 3166 country code")
	f.StringVar(&req.City, "city", "", "city")
	f.StringVar(&req.State, "state", "", "state or province")
	f.StringVar(&req.AdminEmail, "admin-email", "", "admin email")
	f.StringVar(&req.AdminPassword, "admin-pw", "", "admin password")
	f.StringVar(&req.WeaveIPNetwork, "weave-network", "", "overlay network in CIDR notation")

	return cmd
}

func newClusterListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.nodes.ListClusters(cmd.Context())
			if err != nil {
				return err
			}
			return printClusters(cmd.OutOrStdout(), list)
		},
	}
}

func newClusterGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|name>",
		Short: "Show a cluster and its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.nodes.GetCluster(ctx, args[0])
			if err != nil {
				return err
			}
			members, err := stores.SearchAs[model.Node](ctx, a.store, stores.TableNodes, stores.Where("cluster_id", c.ID))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"cluster": c, "nodes": members})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cluster %s (%s)\n  domain suffix: %s\n  network: %s\n\n",
				c.Name, c.ID, c.DomainSuffix, c.WeaveIPNetwork)
			return printNodes(cmd.OutOrStdout(), members)
		},
	}
}

func newClusterDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Delete a cluster without nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.nodes.DeleteCluster(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cluster %s deleted\n", args[0])
			return nil
		},
	}
}

func newClusterDeployCommand(version string) *cobra.Command {
	var (
		provider string
		types    []string
	)

	cmd := &cobra.Command{
		Use:   "deploy <id|name>",
		Short: "Deploy several nodes in order",
		Long: `Deploy nodes of the given types one after the other, waiting for each
to reach SUCCESS before starting the next. An nginx node is put in front of
the oxauth node deployed before it, or of an oxauth node already in the
cluster. The first failure stops the run.

Deploy settings reloaded from the config file apply to the nodes that have
not started yet.`,
		Example: `  gluu-engine cluster deploy prod --provider master-1 --types ldap,oxauth,oxtrust,nginx`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openEngine(ctx, version)
			if err != nil {
				return err
			}
			defer a.close()

			c, err := a.nodes.GetCluster(ctx, args[0])
			if err != nil {
				return err
			}
			h, err := a.nodes.GetHost(ctx, provider)
			if err != nil {
				return err
			}

			var oxauthID string
			for _, t := range types {
				req := nodes.CreateRequest{ClusterID: c.ID, NodeType: model.NodeType(t), ProviderID: h.ID}
				if req.NodeType == model.NodeTypeNginx {
					if oxauthID == "" {
						oxauthID = existingOxauth(ctx, a, c.ID)
					}
					req.OxauthNodeID = oxauthID
				}

				accepted, err := a.nodes.Create(ctx, req)
				if err != nil {
					return fmt.Errorf("cannot deploy %s node: %w", t, err)
				}
				log.Info().Str("node", accepted.Node.Name).Str("log", accepted.LogPath).Msg("Setup queued")

				node, err := awaitNode(ctx, a.nodes, accepted.Node.ID)
				if err != nil {
					return err
				}
				if node.State != model.StateSuccess {
					return fmt.Errorf("setup of %s finished in state %s, see %s", node.Name, node.State, accepted.LogPath)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s node %s deployed at %s\n", node.Type, node.Name, node.IP)

				if node.Type == model.NodeTypeOxAuth {
					oxauthID = node.ID
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider host id or name")
	cmd.Flags().StringSliceVar(&types, "types", []string{"ldap", "oxauth", "oxtrust"}, "node types in deploy order")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func existingOxauth(ctx context.Context, a *app, clusterID string) string {
	n, err := stores.FirstAs[model.Node](ctx, a.store, stores.TableNodes,
		stores.Where("cluster_id", clusterID, "type", model.NodeTypeOxAuth, "state", model.StateSuccess))
	if err != nil {
		return ""
	}
	return n.ID
}
