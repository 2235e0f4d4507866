// Package cmd implements the webgrade command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/config"
	"github.com/3leaps/webgrade/internal/observability"
	"github.com/3leaps/webgrade/internal/server/handlers"
)

var (
	cfgFile     string
	verbose     bool
	logLevel    string
	rankFlag    int
	projectRoot string
	backendFlag string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *config.Identity
	appConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "webgrade",
	Short: "Grade generated single-page web projects",
	Long: `webgrade turns a model response containing a web artifact into a running
project and scores its appearance.

Each attempt parses the artifact, writes the project into an isolated
workspace, installs dependencies, starts the dev server on a leased port,
screenshots it, and asks a vision model for a 0-5 grade. Every attempt
returns a number and always cleans up after itself.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default: ./webgrade.yaml or $XDG_CONFIG_HOME/webgrade/webgrade.yaml)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.IntVar(&rankFlag, "rank", 0, "Worker rank; selects the port band (env RANK)")
	flags.StringVar(&projectRoot, "project-root", "", "Directory for attempt workspaces (env PROJECT_ROOT)")
	flags.StringVar(&backendFlag, "supervisor", "", "Process supervisor backend (pm2|local)")
}

// SetVersionInfo records build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity resolved at startup, or nil before
// the first command has run.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ce *cliError
	if errors.As(err, &ce) {
		observability.CLILogger.Error(ce.message, zap.Error(ce.err), zap.Int("exit_code", ce.code))
		fmt.Fprintln(os.Stderr, "Error:", ce.Error())
		return ce.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return foundry.ExitInvalidArgument
}

// ExitWithCode logs msg and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, msg string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(msg, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// cliError carries the exit code a failed command should produce.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(commandContext(cmd), flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	identity := config.AppIdentity()
	if err := observability.InitLogger(identity.BinaryName, level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialise logging", err)
	}

	appIdentity = identity
	appConfig = cfg
	observability.CLILogger.Debug("Configuration loaded",
		zap.Int("rank", cfg.Rank),
		zap.String("project_root", cfg.ProjectRoot),
		zap.String("supervisor", cfg.Supervisor.Backend),
		zap.String("archive", cfg.Archive.Kind))
	return nil
}

// flagOverrides maps explicitly set persistent flags onto config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		out["logging"] = map[string]any{"level": logLevel}
	}
	if flags.Changed("rank") {
		out["rank"] = rankFlag
	}
	if flags.Changed("project-root") {
		out["project_root"] = projectRoot
	}
	if flags.Changed("supervisor") {
		out["supervisor"] = map[string]any{"backend": backendFlag}
	}
	return out
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
