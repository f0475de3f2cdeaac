// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/persistcheck/cmd"
	"github.com/xkilldash9x/persistcheck/internal/observability"
)

func main() {
	// Cancelling the run still lets the harness close the browser and stop
	// the server before we exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := cmd.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	observability.Sync()
	os.Exit(code)
}
