package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arhyth/bankxledger"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bankxledger",
		Short: "Transaction posting engine for customer accounts",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config.yml", "path to configuration file")

	rootCmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newSeedCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config named by the --config flag and builds a logger at
// the configured level.
func setup(cmd *cobra.Command) (*bankxledger.Config, *zerolog.Logger, error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := bankxledger.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	logger = logger.Level(lvl)
	return cfg, &logger, nil
}
