package main

import (
	"github.com/spf13/cobra"

	"github.com/arhyth/bankxledger"
)

func newSeedCommand() *cobra.Command {
	var (
		file  string
		reset bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load fixture accounts and transactions into the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			sf, err := bankxledger.LoadSeedFile(file)
			if err != nil {
				logger.Err(err).Msg("error loading seed file")
				return err
			}

			lh := bankxledger.NewLocalHelper(cfg.Database.ConnectionString, nil, logger)
			if reset {
				if err = lh.ResetDB(); err != nil {
					logger.Err(err).Msg("error resetting database")
					return err
				}
			}
			repo, err := bankxledger.NewPostgresEndpoint(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Err(err).Msg("error starting database")
				return err
			}
			defer repo.Close()

			lh.Svc, err = buildService(cfg, repo, logger)
			if err != nil {
				return err
			}
			_, err = lh.Seed(cmd.Context(), sf)
			if err != nil {
				logger.Err(err).Msg("error seeding database")
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "testdata/seed.yaml", "seed fixture")
	cmd.Flags().BoolVar(&reset, "reset", false, "drop and recreate the schema first")
	return cmd
}
