package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRecoveryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Disaster recovery snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "distribute",
		Short: "Push a store snapshot to the recovery targets",
		Long: `Take a consistent snapshot of the record store and upload it over SFTP
to every target in recovery.targets.

The same distribution runs after every node setup and teardown.`,
		Example: `  gluu-engine recovery distribute --config /etc/gluu-engine/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			targets := a.distributor.Targets()
			if len(targets) == 0 {
				return fmt.Errorf("no recovery targets configured")
			}
			if err := a.distributor.Distribute(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Snapshot distributed (%d targets configured, failures are logged)\n", len(targets))
			return nil
		},
	})

	return cmd
}
