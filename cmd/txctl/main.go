// Command txctl runs SQL batch scripts in a single transaction.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nimburion/txrunner/pkg/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli.Execute(ctx, cli.NewRootCommand(cli.Options{
		Name:        "txctl",
		Description: "Run SQL batch scripts transactionally",
	}))
}
