package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/3leaps/webgrade/internal/cmd"
	"github.com/3leaps/webgrade/internal/observability"
)

// Set by -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	observability.InitCLILogger("webgrade", false)
	cmd.SetVersionInfo(version, commit, buildDate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cmd.Execute(ctx)
	stop()

	_ = observability.CLILogger.Sync()
	os.Exit(code)
}
