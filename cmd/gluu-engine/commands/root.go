package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/config"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gluu-engine",
		Short: "Gluu Engine - provisioning for Gluu Server clusters",
		Long: `Gluu Engine provisions and tears down the workloads of a Gluu Server
cluster as containers spread over a fleet of hosts.

Workloads:
  - ldap (OpenDJ directory)
  - oxauth
  - oxtrust
  - oxidp (Shibboleth IdP)
  - nginx gateway

Every node is tracked in the record store; a failed setup is rolled back
and left in the FAILED state for the operator to inspect and delete.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newNodeCommand(version))
	rootCmd.AddCommand(newClusterCommand(version))
	rootCmd.AddCommand(newHostCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newDBCommand())
	rootCmd.AddCommand(newRecoveryCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
