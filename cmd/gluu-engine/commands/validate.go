package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gluufederation/gluu-engine/pkg/config"
	"github.com/gluufederation/gluu-engine/pkg/model"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "validate",
		Short:   "Validate the configuration file",
		Example: `  gluu-engine validate --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid\n", configPath)
			for _, nodeType := range model.NodeTypes {
				if p, ok := cfg.Profiles[nodeType]; ok {
					fmt.Fprintf(cmd.OutOrStdout(), "  %-8s %s\n", nodeType, p.ImageRef(cfg.Deploy.ImageTag))
				}
			}
			return nil
		},
	}
}
