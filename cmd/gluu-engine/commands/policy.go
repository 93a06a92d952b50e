package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/config"
	"github.com/gluufederation/gluu-engine/pkg/policy"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyEvalCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List built-in and configured policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := loadPolicies(cmd.Context(), cfg, telemetry.Nop())
			if err != nil {
				return err
			}

			list := engine.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), list)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENABLED\tSEVERITY\tTAGS\tDESCRIPTION")
			for _, p := range list {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", p.Name, p.Enabled, p.Severity, strings.Join(p.Tags, ","), p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyEvalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <input.json>",
		Short: "Evaluate the policies against an admission input",
		Long: `Evaluate every enabled policy against an admission input document, the
same document a node create request produces.`,
		Example: `  gluu-engine policy eval request.json

  # request.json
  {"operation": "create",
   "node": {"type": "oxtrust", "host_id": "h1"},
   "cluster": {"id": "c1", "name": "prod"},
   "host": {"id": "h1", "name": "master-1"},
   "nodes": [{"name": "gluuopendj_1", "type": "ldap", "host_id": "h1", "state": "SUCCESS"}]}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read input: %w", err)
			}
			var input policy.Input
			if err := json.Unmarshal(data, &input); err != nil {
				return fmt.Errorf("invalid input: %w", err)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			engine, err := loadPolicies(cmd.Context(), cfg, telemetry.Nop())
			if err != nil {
				return err
			}
			result, err := engine.Evaluate(cmd.Context(), &input)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), result)
			}
			for _, v := range result.Violations {
				fmt.Fprintf(cmd.OutOrStdout(), "%-7s %s: %s\n", v.Severity, v.Policy, v.Message)
			}
			if !result.Allowed {
				return fmt.Errorf("request denied by %d violations", len(result.Denied()))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Allowed by %d policies\n", len(result.EvaluatedPolicies))
			return nil
		},
	}
}

// loadPolicies builds the policy engine described by cfg.
func loadPolicies(ctx context.Context, cfg *config.Config, logger *telemetry.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(ctx, logger)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Policy.Disabled {
		if err := engine.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	if len(cfg.Policy.Paths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return engine, nil
}
