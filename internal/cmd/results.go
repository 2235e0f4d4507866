package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/webgrade/pkg/resultstore"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect the local grading result index",
	Long: `Query the SQLite result index configured by results.db.

Example:
  webgrade results list --limit 20
  webgrade results show bakery-landing
  webgrade results stats --run-id nightly-0412`,
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent results, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withResultStore(cmd.Context(), func(s *resultstore.Store) error {
			rs, err := s.List(cmd.Context(), resultsLimit)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), rs)
		})
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <request-id>",
	Short: "Show every attempt for a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withResultStore(cmd.Context(), func(s *resultstore.Store) error {
			rs, err := s.ForRequest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(rs) == 0 {
				return exitError(foundry.ExitFileNotFound, "No results for request", fmt.Errorf("request %q", args[0]))
			}
			return printResults(cmd.OutOrStdout(), rs)
		})
	},
}

var resultsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise stored results",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withResultStore(cmd.Context(), func(s *resultstore.Store) error {
			st, err := s.Stats(cmd.Context(), resultsRunID)
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), st)
		})
	},
}

var (
	resultsLimit int
	resultsRunID string
)

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.AddCommand(resultsListCmd, resultsShowCmd, resultsStatsCmd)

	resultsListCmd.Flags().IntVarP(&resultsLimit, "limit", "n", 50, "Maximum results to show (0 for all)")
	resultsStatsCmd.Flags().StringVar(&resultsRunID, "run-id", "", "Restrict to one run")
}

func withResultStore(ctx context.Context, fn func(*resultstore.Store) error) error {
	if appConfig.Results.DB == "" {
		return exitError(foundry.ExitInvalidArgument, "No result index configured",
			fmt.Errorf("set results.db or WEBGRADE_RESULTS_DB"))
	}
	s, err := resultstore.Open(ctx, resultstore.Config{Path: appConfig.Results.DB})
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open result index", err)
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func printResults(w io.Writer, rs []resultstore.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tREQUEST\tRUN\tRANK\tSCORE\tCODE\tDURATION")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%g\t%s\t%s\n",
			r.StartedAt.Local().Format(time.DateTime),
			r.RequestID,
			r.RunID,
			r.Rank,
			r.Score,
			r.Code,
			r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	return tw.Flush()
}

func printStats(w io.Writer, st resultstore.Stats) error {
	if _, err := fmt.Fprintf(w, "results: %d\nmean score: %.3f\n", st.Count, st.MeanScore); err != nil {
		return err
	}
	codes := make([]string, 0, len(st.ByCode))
	for c := range st.ByCode {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	for _, c := range codes {
		if _, err := fmt.Fprintf(w, "  %-24s %d\n", c, st.ByCode[c]); err != nil {
			return err
		}
	}
	return nil
}
