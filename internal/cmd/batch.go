package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/webgrade/internal/observability"
	"github.com/3leaps/webgrade/pkg/manifest"
	"github.com/3leaps/webgrade/pkg/output"
	"github.com/3leaps/webgrade/pkg/pipeline"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Grade every response listed in a manifest",
	Long: `Grade a batch of model responses defined in a YAML or JSON manifest.

Requests come from the manifest's inline list, files next to it, or a JSONL
dataset of rollout records. Attempts run on a bounded worker pool that shares
this rank's port band. Transition, outcome, and summary records are written
as JSONL to the manifest's output destination.

Example:
  webgrade batch --manifest batch.yaml
  webgrade batch --manifest batch.yaml --output file:grades.jsonl
  webgrade batch --manifest batch.yaml --dry-run`,
	RunE: runBatch,
}

var (
	batchManifestPath string
	batchOutput       string
	batchConcurrency  int
	batchDryRun       bool
)

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVarP(&batchManifestPath, "manifest", "m", "", "Path to batch manifest (required)")
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "Override output destination (stdout|file:<path>)")
	batchCmd.Flags().IntVarP(&batchConcurrency, "concurrency", "c", 0, "Override grading concurrency")
	batchCmd.Flags().BoolVar(&batchDryRun, "dry-run", false, "Validate the manifest and list requests without grading")

	_ = batchCmd.MarkFlagRequired("manifest")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(batchManifestPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if batchOutput != "" {
		m.Output.Destination = batchOutput
	}
	if batchConcurrency != 0 {
		if batchConcurrency < 1 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --concurrency value", fmt.Errorf("concurrency must be >= 1"))
		}
		m.Grading.Concurrency = batchConcurrency
	}

	reqs, err := m.Resolve()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to resolve requests", err)
	}
	timeout, err := m.Grading.AttemptTimeout()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid grading timeout", err)
	}

	if batchDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "%d requests, concurrency %d, destination %s\n",
			len(reqs), m.Grading.Concurrency, m.Output.Destination)
		for _, r := range reqs {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s (%d bytes)\n", r.ID, len(r.Response))
		}
		return nil
	}

	runID := m.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	w, closeWriter, err := createBatchWriter(m.Output.Destination, runID, appConfig.Rank)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open output", err)
	}
	defer closeWriter()

	rt, err := buildRuntime(ctx, appConfig, runtimeOptions{
		RunID:  runID,
		Events: w,
		Logger: observability.CLILogger,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure grader", err)
	}
	defer func() { _ = rt.Close() }()

	observability.CLILogger.Info("Starting batch",
		zap.String("run_id", runID),
		zap.Int("requests", len(reqs)),
		zap.Int("concurrency", m.Grading.Concurrency),
		zap.Duration("attempt_timeout", timeout))

	summary := gradeAll(ctx, rt.Grader, reqs, m.Grading.Concurrency, timeout)
	if err := w.WriteSummary(context.WithoutCancel(ctx), summary); err != nil {
		observability.CLILogger.Warn("Failed to write summary record", zap.Error(err))
	}

	observability.CLILogger.Info("Batch finished",
		zap.String("run_id", runID),
		zap.Int64("graded", summary.Graded),
		zap.Int64("failed", summary.Failed),
		zap.Float64("mean_score", summary.MeanScore))

	if ctx.Err() != nil {
		return exitError(foundry.ExitSignalInt, "batch cancelled", ctx.Err())
	}
	return nil
}

// attemptGrader runs one grading attempt.
type attemptGrader interface {
	GradeDetailed(ctx context.Context, req pipeline.Request) *pipeline.Outcome
}

// gradeAll grades reqs on a pool of workers and summarises the outcomes.
// Once ctx is done no new attempts start; attempts already running finish
// their cleanup.
func gradeAll(ctx context.Context, g attemptGrader, reqs []manifest.Request, workers int, timeout time.Duration) *output.SummaryRecord {
	if workers < 1 {
		workers = 1
	}
	start := time.Now()

	jobs := make(chan manifest.Request)
	var (
		mu      sync.Mutex
		summary = &output.SummaryRecord{Codes: map[string]int64{}}
		total   float64
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range jobs {
				actx, cancel := ctx, context.CancelFunc(func() {})
				if timeout > 0 {
					actx, cancel = context.WithTimeout(ctx, timeout)
				}
				out := g.GradeDetailed(actx, pipeline.Request{
					ID:          r.ID,
					Instruction: r.Instruction,
					Response:    r.Response,
				})
				cancel()

				mu.Lock()
				summary.Requests++
				if out.Code == pipeline.CodeOK {
					summary.Graded++
				} else {
					summary.Failed++
				}
				summary.Codes[out.Code]++
				total += out.Score
				mu.Unlock()
			}
		}()
	}

feed:
	for _, r := range reqs {
		select {
		case jobs <- r:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if summary.Requests > 0 {
		summary.MeanScore = total / float64(summary.Requests)
	}
	summary.DurationMs = time.Since(start).Milliseconds()
	return summary
}

// createBatchWriter opens the JSONL writer for a manifest destination.
func createBatchWriter(dest, runID string, rank int) (output.Writer, func(), error) {
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(os.Stdout, runID, rank)
		return w, func() {}, nil
	}

	path, ok := strings.CutPrefix(dest, "file:")
	if !ok || path == "" {
		return nil, nil, fmt.Errorf("unsupported output destination: %s", dest)
	}
	w, err := output.OpenFile(path, runID, rank)
	if err != nil {
		return nil, nil, err
	}
	return w, func() { _ = w.Close() }, nil
}
