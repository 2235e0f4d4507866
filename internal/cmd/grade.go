package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/observability"
	"github.com/3leaps/webgrade/pkg/pipeline"
)

var gradeCmd = &cobra.Command{
	Use:   "grade",
	Short: "Grade a single model response",
	Long: `Grade one model response end to end and print its score.

The response is read from a file, or from stdin when --response is "-".
Grading always produces a number: failures score 0 and are reported with a
stable code when --json is set.

Example:
  webgrade grade --response answer.txt --instruction "A bakery landing page"
  cat answer.txt | webgrade grade --response - --json`,
	RunE: runGrade,
}

var (
	gradeResponsePath string
	gradeInstruction  string
	gradeID           string
	gradeJSON         bool
)

func init() {
	rootCmd.AddCommand(gradeCmd)

	gradeCmd.Flags().StringVarP(&gradeResponsePath, "response", "r", "", "Path to the model response, or - for stdin (required)")
	gradeCmd.Flags().StringVarP(&gradeInstruction, "instruction", "i", "", "Instruction the response answers")
	gradeCmd.Flags().StringVar(&gradeID, "id", "", "Request id (default: random)")
	gradeCmd.Flags().BoolVar(&gradeJSON, "json", false, "Print the full outcome as JSON")

	_ = gradeCmd.MarkFlagRequired("response")
}

func runGrade(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	response, err := readInput(cmd.InOrStdin(), gradeResponsePath)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read response", err)
	}

	rt, err := buildRuntime(ctx, appConfig, runtimeOptions{
		RunID:  uuid.NewString(),
		Logger: observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure grader", err)
	}
	defer func() { _ = rt.Close() }()

	out := rt.Grader.GradeDetailed(ctx, pipeline.Request{
		ID:          gradeID,
		Instruction: gradeInstruction,
		Response:    response,
	})

	observability.CLILogger.Info("Grading finished",
		zap.String("request_id", out.RequestID),
		zap.Float64("score", out.Score),
		zap.String("code", out.Code))

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "grade cancelled", ctx.Err())
	}
	return printOutcome(cmd.OutOrStdout(), out, gradeJSON)
}

func printOutcome(w io.Writer, out *pipeline.Outcome, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(pipeline.OutcomeRecord(out))
	}
	_, err := fmt.Fprintf(w, "%g\n", out.Score)
	return err
}

// readInput reads path, or r when path is "-".
func readInput(r io.Reader, path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(r)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
