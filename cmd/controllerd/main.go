package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskctl/controller/internal/config"
)

var (
	// Version information (set via ldflags at build time)
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	verbose    bool
	logFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "controllerd",
		Short: "Run the task-orchestration Controller core",
		Long: `controllerd drives the Controller core: it loads a dependency graph of
issues, computes an execution schedule, and dispatches work across a
bounded pool of workers with health, backpressure, and progress
monitoring.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file (logs to both stdout and file)")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(abortCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("controllerd %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Built:      %s\n", buildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
		},
	}
}

// loadConfig loads the YAML config at --config. The --log-file flag is
// resolved against cfg.LogFile by the run and daemon commands, the flag
// taking precedence.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger builds a SugaredLogger that writes to stdout and,
// optionally, to a file. If logFilePath can't be opened it warns on
// stderr and falls back to stdout-only rather than failing the command.
func setupLogger(logFilePath string, verbose bool) (*zap.SugaredLogger, func(), error) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	if logFilePath == "" {
		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
		return zap.New(core).Sugar(), func() {}, nil
	}

	dir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to create log directory %s: %v, logging to stdout only\n", dir, err)
		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
		return zap.New(core).Sugar(), func() {}, nil
	}

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to open log file %s: %v, logging to stdout only\n", logFilePath, err)
		core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
		return zap.New(core).Sugar(), func() {}, nil
	}

	writer := zapcore.NewMultiWriteSyncer(zapcore.Lock(os.Stdout), zapcore.AddSync(file))
	core := zapcore.NewCore(encoder, writer, level)
	cleanup := func() { file.Close() }
	return zap.New(core).Sugar(), cleanup, nil
}
