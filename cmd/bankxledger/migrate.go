package main

import (
	"github.com/spf13/cobra"

	"github.com/arhyth/bankxledger"
)

func newMigrateCommand() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			if down {
				if err = bankxledger.MigrateDown(cfg.Database.ConnectionString); err != nil {
					logger.Err(err).Msg("error reverting migrations")
					return err
				}
				logger.Info().Msg("schema reverted")
				return nil
			}
			if err = bankxledger.Migrate(cfg.Database.ConnectionString, logger); err != nil {
				logger.Err(err).Msg("error migrating database")
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "revert every migration")
	return cmd
}
