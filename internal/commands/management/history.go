// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package management

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/cli/timeline"
	"github.com/tombee/stagehand/internal/commands/completion"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/history"
	"github.com/tombee/stagehand/internal/jq"
	"github.com/tombee/stagehand/internal/report"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// NewHistoryCommand creates the history command group.
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "history",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Inspect recorded pipeline runs",
		Long: `Commands for listing, viewing, and pruning past pipeline runs.

Every 'stagehand run' records its report in a local SQLite database
(history.path, default ~/.local/share/stagehand/history.db).`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryStatsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		pipelineName string
		outcome      string
		failed       bool
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List past runs",
		Long: `List recorded runs, newest first, optionally filtered by pipeline or outcome.

See also: stagehand history show, stagehand run`,
		Example: `  # Example 1: List recent runs
  stagehand history list

  # Example 2: List failed runs of one pipeline
  stagehand history list --pipeline ci --failed

  # Example 3: Get runs as JSON
  stagehand history list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failed {
				outcome = string(pipeline.OutcomeFailed)
			}
			return historyList(cmd, history.Filter{
				Pipeline: pipelineName,
				Outcome:  pipeline.Outcome(outcome),
				Limit:    limit,
			})
		},
	}

	cmd.Flags().StringVar(&pipelineName, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&outcome, "outcome", "", "Filter by outcome (succeeded, failed)")
	cmd.Flags().BoolVar(&failed, "failed", false, "Show only failed runs (shorthand for --outcome failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")

	cmd.RegisterFlagCompletionFunc("outcome", completion.CompleteOutcomes)

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var (
		query        string
		showTimeline bool
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a run",
		Long: `Display the recorded report of a run. The run id may be abbreviated to
any unambiguous prefix.

See also: stagehand history list`,
		Example: `  # Example 1: Show a run
  stagehand history show 3f2a

  # Example 2: Show the full report as JSON
  stagehand history show 3f2a --json

  # Example 3: Extract the failed step of each failed instance
  stagehand history show 3f2a --query '.instances[] | select(.outcome == "failed") | {instance, failed_step}'

  # Example 4: Show when each instance ran
  stagehand history show 3f2a --timeline`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyShow(cmd, args[0], query, showTimeline)
		},
	}

	cmd.Flags().StringVar(&query, "query", "", "jq expression applied to the JSON report")
	cmd.Flags().BoolVar(&showTimeline, "timeline", false, "Render instances as a timeline")
	cmd.MarkFlagsMutuallyExclusive("query", "timeline")

	return cmd
}

func newHistoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarise instance outcomes per job",
		Long: `Summarise every recorded instance per job: runs, failures, average
duration and cache hits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyStats(cmd)
		},
	}
}

func newHistoryPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old runs",
		Long:  `Delete all but the newest --keep runs from the history database.`,
		Example: `  # Keep the last 100 runs
  stagehand history prune --keep 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return historyPrune(cmd, keep)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 50, "Number of newest runs to keep")

	return cmd
}

// openHistory opens the configured history database.
func openHistory() (*history.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	store, err := history.Open(history.Config{Path: cfg.History.Path, WAL: true})
	if err != nil {
		return nil, shared.NewConfigError("failed to open run history", err)
	}
	return store, nil
}

func historyList(cmd *cobra.Command, filter history.Filter) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), 30*time.Second)
	defer cancel()

	runs, err := store.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Runs  []*history.Run `json:"runs"`
			Count int            `json:"count"`
		}
		if runs == nil {
			runs = []*history.Run{}
		}
		return shared.EmitJSON(out, listResponse{
			JSONResponse: shared.NewJSONResponse("history list", true),
			Runs:         runs,
			Count:        len(runs),
		})
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tPIPELINE\tOUTCOME\tEVENT\tREF\tINSTANCES\tSTARTED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortID(r.ID),
			orDash(r.Pipeline),
			runOutcome(r),
			orDash(r.Event),
			orDash(r.Ref),
			r.Instances-r.Failed, r.Instances,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
		)
	}
	return w.Flush()
}

func historyShow(cmd *cobra.Command, id, query string, showTimeline bool) error {
	if query != "" {
		if err := jq.Validate(query); err != nil {
			return shared.NewConfigError("invalid --query", err)
		}
	}

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmdContext(cmd), 30*time.Second)
	defer cancel()

	_, rep, err := store.Get(ctx, id)
	if err != nil {
		var nf *sherrors.NotFoundError
		if sherrors.As(err, &nf) {
			return &shared.ExitError{Code: shared.ExitRunFailed, Message: fmt.Sprintf("run %q not found", id)}
		}
		return fmt.Errorf("failed to load run: %w", err)
	}

	if showTimeline && !shared.GetJSON() {
		out := cmd.OutOrStdout()
		return timeline.NewRenderer(out).Write(out, rep)
	}
	return writeReport(ctx, cmd.OutOrStdout(), rep, query)
}

func writeReport(ctx context.Context, w io.Writer, rep *report.Report, query string) error {
	switch {
	case query != "":
		data, err := report.ToMap(rep)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		return jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize).Write(ctx, w, query, data)
	case shared.GetJSON():
		return report.WriteJSON(w, rep)
	default:
		return report.WriteText(w, rep, report.TextOptions{
			Styled:  report.IsTerminal(w),
			Verbose: true,
		})
	}
}

func historyStats(cmd *cobra.Command) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmdContext(cmd))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type statsResponse struct {
			shared.JSONResponse
			Jobs []history.JobStats `json:"jobs"`
		}
		if stats == nil {
			stats = []history.JobStats{}
		}
		return shared.EmitJSON(out, statsResponse{
			JSONResponse: shared.NewJSONResponse("history stats", true),
			Jobs:         stats,
		})
	}

	if len(stats) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tINSTANCES\tFAILURES\tFAILURE RATE\tAVG DURATION\tCACHE HITS")
	for _, st := range stats {
		rate := 0.0
		if st.Runs > 0 {
			rate = float64(st.Failures) / float64(st.Runs) * 100
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0f%%\t%s\t%d\n",
			st.Job, st.Runs, st.Failures, rate,
			(time.Duration(st.AvgMS) * time.Millisecond).String(), st.CacheHits)
	}
	return w.Flush()
}

func historyPrune(cmd *cobra.Command, keep int) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.Prune(cmdContext(cmd), keep)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		type pruneResponse struct {
			shared.JSONResponse
			Deleted int `json:"deleted"`
		}
		return shared.EmitJSON(cmd.OutOrStdout(), pruneResponse{
			JSONResponse: shared.NewJSONResponse("history prune", true),
			Deleted:      n,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs.\n", n)
	return nil
}

func runOutcome(r *history.Run) string {
	if r.Cancelled {
		return "cancelled"
	}
	return string(r.Outcome)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
