package cli

import (
	"context"

	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/spf13/cobra"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskengine",
		Short:         "Task orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "taskengine.yaml", "Path to the config file")
	flags.String("env-file", ".env", "Path to the environment variables file")
	flags.String("log-level", "", "Log level (debug, info, warn, error); overrides log.level")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Bool("log-source", false, "Include source code location in logs")

	root.AddCommand(
		ServeCmd(),
		MigrateCmd(),
		IssueTokenCmd(),
		AppsCmd(),
	)
	return root
}

// SetupGlobalConfig loads the configuration and attaches it, together with
// the logger, to the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	bootLevel := level
	if bootLevel == "" {
		bootLevel = string(logger.InfoLevel)
	}
	ctx = logger.ContextWithLogger(ctx, logger.SetupLogger(bootLevel, logJSON, logSource))
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return err
	}
	cfg, err := config.Load(ctx, config.Options{File: file, EnvFile: envFile})
	if err != nil {
		return err
	}
	if level == "" {
		level = cfg.Log.Level
	}
	if !cmd.Flags().Changed("log-json") {
		logJSON = cfg.Log.JSON
	}
	if !cmd.Flags().Changed("log-source") {
		logSource = cfg.Log.AddSource
	}
	ctx = logger.ContextWithLogger(ctx, logger.SetupLogger(level, logJSON, logSource))
	cmd.SetContext(config.ContextWithConfig(ctx, cfg))
	return nil
}
