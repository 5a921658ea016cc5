package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	var graphPath string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a graph once, to completion or timeout",
		Long: `Load a dependency graph, dispatch every ready issue to the worker pool,
and exit once all issues complete, fail, or the timeout elapses.

Example:
  controllerd run --graph graph.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if graphPath == "" {
				return fmt.Errorf("--graph is required")
			}
			return runOnce(graphPath, timeout)
		},
	}

	cmd.Flags().StringVar(&graphPath, "graph", "", "Path to the dependency graph file (JSON or YAML)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum run duration; 0 means no timeout")
	cmd.MarkFlagRequired("graph")

	return cmd
}

func runOnce(graphPath string, timeout time.Duration) error {
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

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Infow("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := c.Run(ctx); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return c.Shutdown(context.Background())
}
