package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/taskctl/controller/internal/config"
	"github.com/taskctl/controller/internal/controller"
	"github.com/taskctl/controller/internal/graph"
	"github.com/taskctl/controller/internal/workeradapter"
)

// buildController loads cfg's graph file and wires a Controller backed by
// the demo worker adapter, ready for Seed+Run.
func buildController(cfg *config.Config, graphPath string, log *zap.SugaredLogger) (*controller.Controller, error) {
	g, err := graph.LoadFile(graphPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph: %w", err)
	}

	built := cfg.Build()
	c, err := controller.New(built, g, nil, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize controller: %w", err)
	}

	adapter := workeradapter.New(workeradapter.DefaultConfig(), c.RecordHeartbeat, log)
	c.SetExecutor(adapter)
	return c, nil
}
