// Package service lets other programs embed the bridge and the field
// gateway.
package service

import (
	"context"

	"modbus-bridge/internal/tasks"
)

// Options re-exposes the tasks.Options type for external callers.
type Options = tasks.Options

// RunBridge runs the telemetry ingestor and command dispatcher until ctx is
// cancelled.
func RunBridge(ctx context.Context, opts Options) error {
	return tasks.InitAndRunBridge(ctx, opts)
}

// RunGateway runs the Modbus field gateway until ctx is cancelled.
func RunGateway(ctx context.Context, opts Options) error {
	return tasks.InitAndRunGateway(ctx, opts)
}
