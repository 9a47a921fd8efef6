package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arhyth/bankxledger"
)

func newServeCommand() *cobra.Command {
	var (
		memory  bool
		migrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if migrate && !memory {
				if err = bankxledger.Migrate(cfg.Database.ConnectionString, logger); err != nil {
					logger.Err(err).Msg("error migrating database")
					return err
				}
			}
			repo, err := openRepository(ctx, cfg, logger, memory)
			if err != nil {
				logger.Err(err).Msg("error starting database")
				return err
			}
			defer repo.Close()

			svc, err := buildService(cfg, repo, logger)
			if err != nil {
				logger.Err(err).Msg("error starting service")
				return err
			}
			srv := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: bankxledger.NewHTTPHandler(svc, logger),
			}

			errc := make(chan error, 1)
			go func() {
				logger.Info().Str("addr", cfg.Server.Addr).Bool("memory", memory).Msg("listening")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err = <-errc:
				if !errors.Is(err, http.ErrServerClosed) {
					logger.Err(err).Msg("server stopped")
					return err
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err = srv.Shutdown(sctx); err != nil {
				logger.Err(err).Msg("graceful shutdown failed")
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&memory, "memory", false, "keep the ledger in process memory instead of Postgres")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply schema migrations before serving")
	return cmd
}

func openRepository(ctx context.Context, cfg *bankxledger.Config, logger *zerolog.Logger, memory bool) (bankxledger.Repository, error) {
	if memory {
		return bankxledger.NewMemoryStore(cfg.Database.OpTimeout), nil
	}
	return bankxledger.NewPostgresEndpoint(ctx, cfg, logger)
}

// buildService wires the core service behind the middleware chain. Validation
// runs innermost so rejected requests still pass through the breaker as
// successes.
func buildService(cfg *bankxledger.Config, repo bankxledger.Repository, logger *zerolog.Logger) (bankxledger.Service, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	svc := bankxledger.NewService(repo, node, bankxledger.ServiceOpts{
		GrowthWindow: cfg.Dashboard.GrowthWindow,
	}, logger)
	return bankxledger.Chain(svc,
		bankxledger.NewLoggingMiddleware(logger),
		bankxledger.NewLimitMiddleware(bankxledger.NewServiceLimits(cfg)),
		bankxledger.NewCircuitBreakMiddleware(bankxledger.NewServiceBreaker(cfg, logger)),
		bankxledger.NewValidationMiddleware(repo),
	), nil
}
