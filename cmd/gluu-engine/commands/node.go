package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/nodes"
)

const pollInterval = 2 * time.Second

func newNodeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Deploy, inspect and remove nodes",
	}

	cmd.AddCommand(newNodeCreateCommand(version))
	cmd.AddCommand(newNodeListCommand())
	cmd.AddCommand(newNodeGetCommand())
	cmd.AddCommand(newNodeDeleteCommand(version))

	return cmd
}

func newNodeCreateCommand(version string) *cobra.Command {
	var req nodes.CreateRequest
	var nodeType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Deploy a new node",
		Long: `Deploy a new node of the given type to a provider host.

The node record is created in the IN_PROGRESS state and its setup starts in
the background. The command stays attached until the setup finished, then
prints the final state. The setup log is written under deploy.log_dir.`,
		Example: `  # Deploy the directory of a cluster
  gluu-engine node create --cluster prod --provider master-1 --type ldap

  # Deploy a gateway in front of an oxauth node
  gluu-engine node create --cluster prod --provider worker-1 --type nginx --oxauth-node oxauth-node-id`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			req.NodeType = model.NodeType(nodeType)

			a, err := openEngine(ctx, version)
			if err != nil {
				return err
			}
			defer a.close()

			resolveRefs(ctx, a, &req)

			accepted, err := a.nodes.Create(ctx, req)
			if err != nil {
				return err
			}
			log.Info().
				Str("node", accepted.Node.Name).
				Str("location", accepted.Location).
				Str("log", accepted.LogPath).
				Msg("Setup queued")

			if err := a.pool.Shutdown(context.Background()); err != nil {
				return err
			}
			node, err := a.nodes.Get(context.WithoutCancel(ctx), accepted.Node.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), node)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Node %s finished setup in state %s\n", node.Name, node.State)
			if accepted.LogPath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Setup log: %s\n", accepted.LogPath)
			}
			if node.State != model.StateSuccess {
				return fmt.Errorf("setup of %s did not succeed", node.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.ClusterID, "cluster", "", "cluster id or name")
	cmd.Flags().StringVar(&req.ProviderID, "provider", "", "provider host id or name")
	cmd.Flags().StringVarP(&nodeType, "type", "t", "", "node type (ldap, oxauth, oxtrust, oxidp, nginx)")
	cmd.Flags().DurationVar(&req.ConnectDelay, "connect-delay", 0, "wait before registering the agent (default from config)")
	cmd.Flags().DurationVar(&req.ExecDelay, "exec-delay", 0, "wait before the first agent command (default from config)")
	cmd.Flags().StringVar(&req.OxauthNodeID, "oxauth-node", "", "oxauth node id or name behind an nginx gateway")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newNodeListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.nodes.List(cmd.Context())
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), list)
		},
	}
}

func newNodeGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|name>",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			node, err := a.nodes.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), node)
		},
	}
}

func newNodeDeleteCommand(version string) *cobra.Command {
	var force string

	cmd := &cobra.Command{
		Use:   "delete <id|name>",
		Short: "Tear down a node",
		Long: `Tear down a node and remove its record.

A node that is still IN_PROGRESS is refused unless --force is given. The
installer teardown only runs for nodes that finished setup; the container
and agent are always removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openEngine(ctx, version)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.nodes.Delete(ctx, args[0], nodes.ParseForce(force)); err != nil {
				return err
			}
			if err := a.pool.Shutdown(context.Background()); err != nil {
				return err
			}

			_, err = a.nodes.Get(context.WithoutCancel(ctx), args[0])
			switch {
			case engine.HasCode(err, engine.ErrCodeNotFound):
				fmt.Fprintf(cmd.OutOrStdout(), "Node %s deleted\n", args[0])
				return nil
			case err != nil:
				return err
			default:
				return fmt.Errorf("node %s was torn down but its record remains, see the teardown log", args[0])
			}
		},
	}

	cmd.Flags().StringVar(&force, "force", "false", "tear down a node that is still deploying (1, true, t)")
	cmd.Flags().Lookup("force").NoOptDefVal = "true"

	return cmd
}

// resolveRefs turns cluster, provider and oxauth node names into ids.
func resolveRefs(ctx context.Context, a *app, req *nodes.CreateRequest) {
	if c, err := a.nodes.GetCluster(ctx, req.ClusterID); err == nil {
		req.ClusterID = c.ID
	}
	if h, err := a.nodes.GetHost(ctx, req.ProviderID); err == nil {
		req.ProviderID = h.ID
	}
	if req.OxauthNodeID != "" {
		if n, err := a.nodes.Get(ctx, req.OxauthNodeID); err == nil {
			req.OxauthNodeID = n.ID
		}
	}
}

// awaitNode polls the node until it leaves IN_PROGRESS.
func awaitNode(ctx context.Context, svc *nodes.Service, id string) (*model.Node, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		node, err := svc.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if node.State != model.StateInProgress {
			return node, nil
		}
		select {
		case <-ctx.Done():
			return node, ctx.Err()
		case <-ticker.C:
		}
	}
}
