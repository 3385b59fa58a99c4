// Memctl inspects and maintains thane-core agent memory: querying both
// tiers, previewing the context injected into a request, running
// consolidation on demand, and applying retention policies.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/thane-core/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
