package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/observability"
	"github.com/3leaps/webgrade/internal/server"
	"github.com/3leaps/webgrade/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the grading API over HTTP",
	Long: `Start the HTTP server.

Routes:
  POST /v1/grade      grade one response synchronously
  POST /v1/validate   strict format check
  GET  /v1/events     websocket stream of attempt state transitions
  GET  /health[/live|/ready|/startup], GET /version

Example:
  webgrade serve
  webgrade serve --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig

	host, port := cfg.Server.Host, cfg.Server.Port
	if cmd.Flags().Changed("host") {
		host = serveHost
	}
	if cmd.Flags().Changed("port") {
		port = servePort
	}

	hub := handlers.NewHub(observability.CLILogger)
	rt, err := buildRuntime(ctx, cfg, runtimeOptions{
		RunID:    uuid.NewString(),
		Observer: hub,
		Logger:   observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure grader", err)
	}
	defer func() { _ = rt.Close() }()

	if cfg.Health.Enabled {
		handlers.InitHealthManager(versionInfo.Version)
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("signals", signalHealthChecker{})
		if id := GetAppIdentity(); id != nil {
			hm.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
		hm.RegisterChecker("project_root", projectRootHealthChecker{dir: cfg.ProjectRoot})
	}

	srv := server.New(host, port,
		server.WithGrader(rt.Grader),
		server.WithHub(hub),
		server.WithWorkers(cfg.Workers),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout, cfg.Server.ShutdownTimeout),
		server.WithLogger(observability.CLILogger),
	)

	observability.CLILogger.Info("Starting server",
		zap.String("addr", net.JoinHostPort(host, strconv.Itoa(port))),
		zap.Int("rank", cfg.Rank),
		zap.Int("workers", cfg.Workers))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		observability.CLILogger.Info("Server stopped on signal")
	}
	return nil
}

// signalHealthChecker reports healthy while the process is serving; signal
// handling is owned by the root context.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// projectRootHealthChecker verifies workspaces can be created.
type projectRootHealthChecker struct {
	dir string
}

func (c projectRootHealthChecker) CheckHealth(context.Context) error {
	f, err := os.CreateTemp(c.dir, ".health-*")
	if err != nil {
		return fmt.Errorf("project root not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
