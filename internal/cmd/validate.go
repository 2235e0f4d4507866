package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/webgrade/pkg/formatcheck"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a response against the strict artifact format",
	Long: `Check a model response against the strict artifact format and print
1 when it is compliant, 0 otherwise. Nothing is installed or launched.

Example:
  webgrade validate --response answer.txt
  webgrade validate --response answer.txt --json --strict`,
	// The format check needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runValidate,
}

var (
	validateResponsePath string
	validateJSON         bool
	validateStrict       bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateResponsePath, "response", "r", "", "Path to the model response, or - for stdin (required)")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Print the report as JSON")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "Exit non-zero when the response is not compliant")

	_ = validateCmd.MarkFlagRequired("response")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	response, err := readInput(cmd.InOrStdin(), validateResponsePath)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read response", err)
	}

	report := formatcheck.Check(response)
	if err := printReport(cmd.OutOrStdout(), report, validateJSON); err != nil {
		return err
	}
	if validateStrict && !report.Compliant {
		return exitError(foundry.ExitInvalidArgument, "Response is not compliant",
			fmt.Errorf("%d format failures", len(report.Failures)))
	}
	return nil
}

func printReport(w io.Writer, report formatcheck.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"score":     report.Score(),
			"compliant": report.Compliant,
			"failures":  report.Failures,
		})
	}

	if _, err := fmt.Fprintf(w, "%g\n", report.Score()); err != nil {
		return err
	}
	for _, f := range report.Failures {
		if _, err := fmt.Fprintf(w, "  - %s\n", f); err != nil {
			return err
		}
	}
	return nil
}
