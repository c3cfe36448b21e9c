package main

import (
	"context"
	"os/signal"
	"syscall"

	"credpilot/cmd"
)

func main() {
	// A first signal requests graceful shutdown: pipelines stop at their next
	// suspension point and records keep their last persisted status. A second
	// signal kills the process the usual way.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}
