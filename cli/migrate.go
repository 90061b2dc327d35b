package cli

import (
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/infra/postgres"
	"github.com/compozy/taskengine/engine/infra/server"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/spf13/cobra"
)

var errNotPostgres = errors.New("migrations need database.driver=postgres")

func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the task store schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				dsn, err := postgresDSN(config.FromContext(ctx))
				if err != nil {
					return err
				}
				if err := postgres.ApplyMigrationsWithLock(ctx, dsn); err != nil {
					return err
				}
				logger.FromContext(ctx).Info("Migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				dsn, err := postgresDSN(config.FromContext(cmd.Context()))
				if err != nil {
					return err
				}
				version, err := postgres.MigrationStatus(cmd.Context(), dsn)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version: %d\n", version)
				return err
			},
		},
	)
	return cmd
}

func postgresDSN(cfg *config.Config) (string, error) {
	if cfg.Database.Driver != "postgres" {
		return "", errNotPostgres
	}
	return server.PostgresConfig(&cfg.Database).DSN(), nil
}
