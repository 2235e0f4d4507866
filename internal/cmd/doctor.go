package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check that the tools a grading attempt depends on are available.

Examples:
  webgrade doctor
  WEBGRADE_ARCHIVE_KIND=s3 webgrade doctor   # also checks AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one diagnostic. Required checks fail the command.
type doctorCheck struct {
	name     string
	required bool
	run      func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	bannerName := "doctor"
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		bannerName = id.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")

	checks := doctorChecks()
	failedRequired := 0
	warnings := 0
	for i, c := range checks {
		detail, err := c.run(ctx)
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		switch {
		case err == nil:
			log.Info(prefix+" ✅ "+detail, zap.String("check", c.name))
		case c.required:
			log.Error(prefix+" ❌", zap.String("check", c.name), zap.Error(err))
			failedRequired++
		default:
			log.Warn(prefix+" ⚠️", zap.String("check", c.name), zap.Error(err))
			warnings++
		}
	}

	if appConfig.Archive.Kind == "s3" {
		if !runS3Checks(ctx) {
			failedRequired++
		}
	}

	log.Info("=== End Diagnostics ===")
	if failedRequired > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Doctor checks failed",
			fmt.Errorf("%d required checks failed", failedRequired))
	}
	if warnings > 0 {
		log.Warn("Some optional checks failed. Review the output above for details.")
	} else {
		log.Info(fmt.Sprintf("All checks passed! Your %s installation is healthy.", bannerName))
	}
	return nil
}

func doctorChecks() []doctorCheck {
	cfg := appConfig
	checks := []doctorCheck{
		{name: "Go runtime", run: func(context.Context) (string, error) {
			return runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH, nil
		}},
		{name: "Crucible", run: func(context.Context) (string, error) {
			v := crucible.GetVersion()
			if v.Crucible == "" {
				return "", fmt.Errorf("crucible version unavailable")
			}
			return "v" + v.Crucible + ", gofulmen v" + v.Gofulmen, nil
		}},
		{name: "project root", required: true, run: func(ctx context.Context) (string, error) {
			if err := os.MkdirAll(cfg.ProjectRoot, 0o755); err != nil {
				return "", err
			}
			return cfg.ProjectRoot, projectRootHealthChecker{dir: cfg.ProjectRoot}.CheckHealth(ctx)
		}},
		toolCheck("node", cfg.Launch.NodeBin, true),
		toolCheck("npm", "npm", true),
		toolCheck("bash", "bash", true),
	}
	if cfg.Supervisor.Backend == "pm2" {
		checks = append(checks, toolCheck("pm2", cfg.Supervisor.PM2Bin, true))
	}
	checks = append(checks,
		chromeCheck(cfg.Screenshot.ChromePath),
		doctorCheck{name: "judge API key", run: func(context.Context) (string, error) {
			if cfg.Judge.APIKey == "" {
				return "", fmt.Errorf("judge.api_key is empty; set OPENAI_API_KEY")
			}
			return maskAccessKey(cfg.Judge.APIKey) + " for " + cfg.Judge.Endpoint, nil
		}},
	)
	return checks
}

func toolCheck(label, bin string, required bool) doctorCheck {
	return doctorCheck{name: label, required: required, run: func(ctx context.Context) (string, error) {
		path, err := exec.LookPath(bin)
		if err != nil {
			return "", err
		}
		out, err := exec.CommandContext(ctx, path, "--version").Output()
		if err != nil {
			return path, nil
		}
		return path + " " + firstLine(string(out)), nil
	}}
}

func chromeCheck(configured string) doctorCheck {
	return doctorCheck{name: "headless browser", required: true, run: func(context.Context) (string, error) {
		candidates := []string{configured, os.Getenv("CHROME"), "google-chrome", "chromium", "chromium-browser"}
		for _, c := range candidates {
			if c == "" {
				continue
			}
			if path, err := exec.LookPath(c); err == nil {
				return path, nil
			}
		}
		return "", fmt.Errorf("no Chrome or Chromium binary found; set screenshot.chrome_path or CHROME")
	}}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// runS3Checks verifies credentials for the S3 archive sink.
func runS3Checks(ctx context.Context) bool {
	log := observability.CLILogger
	log.Info("S3 archive checks:")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info("Checking AWS credentials... ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	log.Info("  2. Run 'aws configure' to set up a profile, or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	log.Info("  - archive.s3.endpoint and archive.s3.force_path_style")
	log.Info("")
}
