package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/reflow/internal/control"
	"github.com/vietddude/reflow/internal/core/config"
)

const defaultConfigPath = "reflow.yaml"

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "reflow",
	Short: "Reflow flow execution and recovery engine",
	Long: `Reflow executes multi-step flow plans and runs recovery strategies
on steps that fail.`,
	Run: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API that accepts flow plans",
	Run:   runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath, "config file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads .env and the config file, then installs the logger. A
// missing default config file means built-in defaults.
func loadConfig(cmd *cobra.Command) *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
	}
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := cfg.Logging.SlogLevel()
	if isDebug {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	return cfg
}

func newRunner(ctx context.Context, cfg *config.AppConfig) *control.Runner {
	app, err := control.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize reflow", "error", err)
		os.Exit(1)
	}
	return app
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := newRunner(ctx, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start reflow", "error", err)
		os.Exit(1)
	}

	slog.Info("Reflow started",
		"port", cfg.Server.Port,
		"storage", cfg.Storage.Driver,
		"decisions", cfg.Interaction.Channel,
	)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Reflow stopped gracefully")
}
