package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/compozy/taskengine/engine/infra/server"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the HTTP API and the scheduler",
		RunE:    executeServe,
	}
	cmd.Flags().Bool("no-scheduler", false, "Serve the API without running the periodic tick")
	return cmd
}

func executeServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cfg := config.FromContext(ctx)
	noScheduler, err := cmd.Flags().GetBool("no-scheduler")
	if err != nil {
		return err
	}
	if noScheduler {
		cfg.Scheduler.Enabled = false
	}
	gin.SetMode(gin.ReleaseMode)
	logSecurityWarnings(ctx, cfg)
	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run()
}

func logSecurityWarnings(ctx context.Context, cfg *config.Config) {
	log := logger.FromContext(ctx)
	if cfg.Database.Driver == "postgres" && cfg.Database.SSLMode == "disable" && cfg.Database.Host != "localhost" {
		log.Warn("Database connection has TLS disabled", "host", cfg.Database.Host)
	}
	if len(cfg.Docker.Hosts) > 0 && cfg.Server.PublicURL == "" {
		log.Warn("server.public_url is empty; agents will call back on the listen address")
	}
}
