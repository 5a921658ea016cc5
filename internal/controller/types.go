package controller

import (
	"context"

	"github.com/taskctl/controller/internal/config"
	"github.com/taskctl/controller/internal/pool"
)

// Executor runs a single work order to completion. workeradapter.Adapter
// satisfies this by duck typing; tests supply a fake.
type Executor interface {
	Execute(ctx context.Context, workerID string, order pool.WorkOrder) pool.WorkResult
}

// Config bundles every component config the Controller wires together.
// Built by (*config.Config).Build().
type Config = config.Built

// defaultProjectID identifies one controller run for state-snapshot persistence.
const defaultProjectID = "default"
