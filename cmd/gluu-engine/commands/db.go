package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Record store maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Long: `Create the record store if needed and apply pending migrations.

Every command migrates the store when it opens it; this command only does
that and reports the store location.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.HealthCheck(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Record store is up to date: %s\n", a.cfg.Database.Path)
			return nil
		},
	})

	return cmd
}
