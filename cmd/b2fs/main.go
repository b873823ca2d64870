// Command b2fs browses and edits a B2 bucket through the b2fs filesystem core.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/objectfs/b2fs/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
