package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"seed/internal/app"
	"seed/internal/config"
	"seed/internal/master"
	"seed/internal/shared/logging"
)

var (
	errorStyle   = color.New(color.FgRed).SprintFunc()
	successStyle = color.New(color.FgGreen).SprintFunc()
	warnStyle    = color.New(color.FgYellow).SprintFunc()
	dimStyle     = color.New(color.FgHiBlack).SprintFunc()
	boldStyle    = color.New(color.Bold).SprintFunc()
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "seed",
		Short: "Workspace-local orchestrator for long-running agents",
		Long: "seed runs an event-sourced orchestrator inside a workspace directory.\n" +
			"One process holds the master lock and serves the API; tasks run as\n" +
			"per-task agent runtimes against the shared event log.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			baseDir, err := workspaceDir()
			if err != nil {
				return err
			}
			existing, err := master.Inspect(baseDir)
			if err != nil {
				return err
			}
			if existing != nil && master.IsAlive(*existing) {
				fmt.Printf("%s master already running (pid %d, port %d)\n",
					successStyle("●"), existing.PID, existing.Port)
				fmt.Println(dimStyle("use the HTTP API on that port, or 'seed stop' to shut it down"))
				return nil
			}
			return runServe(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("dir", "d", ".", "workspace directory")
	flags.Int("port", 0, "HTTP API port (overrides config)")
	flags.String("model", "", "LLM model (overrides config)")
	flags.String("provider", "", "LLM provider (overrides config)")
	flags.String("log-level", "", "log level: debug, info, warn, error")

	viper.SetEnvPrefix("SEED")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("dir", flags.Lookup("dir"))
	_ = viper.BindPFlag("port", flags.Lookup("port"))
	_ = viper.BindPFlag("model", flags.Lookup("model"))
	_ = viper.BindPFlag("provider", flags.Lookup("provider"))
	_ = viper.BindPFlag("log-level", flags.Lookup("log-level"))

	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newStopCommand())
	return root
}

func workspaceDir() (string, error) {
	dir := viper.GetString("dir")
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve workspace dir: %w", err)
	}
	return abs, nil
}

// loadConfig resolves the workspace config with flag overrides layered on top
// of file and environment.
func loadConfig(baseDir string) (config.Config, error) {
	return config.Load(baseDir, config.WithOverride(func(cfg *config.Config) {
		if port := viper.GetInt("port"); port > 0 {
			cfg.ServerPort = port
		}
		if model := viper.GetString("model"); model != "" {
			cfg.LLMModel = model
		}
		if provider := viper.GetString("provider"); provider != "" {
			cfg.LLMProvider = provider
		}
		if level := viper.GetString("log-level"); level != "" {
			cfg.LogLevel = level
		}
	}))
}

// runServe starts the master in the foreground until SIGINT or SIGTERM.
func runServe(parent context.Context) error {
	baseDir, err := workspaceDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(baseDir)
	if err != nil {
		return err
	}

	logger := logging.NewComponentLogger("seed")
	instance, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("%s seed master on %s %s\n",
		successStyle("●"), boldStyle(cfg.Addr()), dimStyle("(workspace "+baseDir+")"))
	return instance.Run(ctx)
}
