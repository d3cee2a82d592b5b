// File: cmd/rfdriver/main.go
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/quayside/rfdriver/cmd"
)

func main() {
	// Interrupts cancel the running transaction cooperatively; the workflow
	// checks for cancellation between intents and reports a partial result.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd.ExecuteContext(ctx)
}
