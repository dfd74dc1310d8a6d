// Command treasury is the entry point for the DAO treasury service. It loads
// configuration, validates it, wires dependencies, sets up signal handling,
// and runs the selected subcommand.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/daotreasury/internal/app"
	"github.com/alanyoungcy/daotreasury/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "treasury",
	Short:         "DAO treasury: founder vault, revenue splitter, governance and fallback",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")
	rootCmd.AddCommand(serveCmd, replayCmd, archiveCmd, restoreCmd, tokenCmd, keygenCmd, signCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads and validates the configuration and installs the JSON
// logger at the configured level.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// withApp loads config, builds the application and runs fn against it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	application := app.New(cfg, logger)
	defer application.Close()

	if err := fn(cmd.Context(), application); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("command failed", slog.String("command", cmd.Name()), slog.String("error", err.Error()))
		return err
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			slog.Info("treasury starting", slog.String("config", configPath))
			if err := a.Serve(ctx); err != nil {
				return err
			}
			slog.Info("treasury stopped")
			return nil
		})
	},
}
