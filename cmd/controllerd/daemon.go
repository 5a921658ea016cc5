package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var graphPath string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the controller indefinitely until signaled",
		Long: `Load a dependency graph and dispatch work continuously, re-polling
the queue on a fixed cadence until SIGINT or SIGTERM is received.

Example:
  controllerd daemon --graph graph.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if graphPath == "" {
				return fmt.Errorf("--graph is required")
			}
			return runDaemon(graphPath)
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "Path to the dependency graph file (JSON or YAML)")
	cmd.MarkFlagRequired("graph")

	return cmd
}

func runDaemon(graphPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logFilePath := logFile
	if logFilePath == "" {
		logFilePath = cfg.LogFile
	}
	log, cleanup, err := setupLogger(logFilePath, verbose)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer cleanup()

	c, err := buildController(cfg, graphPath, log)
	if err != nil {
		return err
	}
	c.Seed()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("received shutdown signal, draining in-flight work")
		cancel()
	}()

	log.Infow("controller daemon starting", "graph", graphPath)
	if err := c.Run(ctx); err != nil {
		log.Errorw("run exited with error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	log.Infow("controller daemon stopped")
	return nil
}
