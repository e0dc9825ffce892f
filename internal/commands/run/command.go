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

package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/completion"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/history"
	"github.com/tombee/stagehand/internal/jq"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/report"
	"github.com/tombee/stagehand/internal/scheduler"
	"github.com/tombee/stagehand/internal/tracing"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
	"github.com/tombee/stagehand/pkg/secrets"
)

// options holds the run command flags.
type options struct {
	trigger     shared.RunContextFlags
	jobs        []string
	maxParallel int
	failFast    bool
	noCache     bool
	stream      bool
	query       string
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a pipeline",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run expands the pipeline's matrices, schedules job instances as their
dependencies complete and reports the outcome of every instance.

Run Context:
  The trigger is read from STAGEHAND_EVENT, STAGEHAND_REF, STAGEHAND_SHA and
  STAGEHAND_REPOSITORY, falling back to the GITHUB_* equivalents. Flags
  override both. Secrets come from STAGEHAND_SECRET_<NAME> variables and
  from --secret NAME, which reads the value of $NAME.

Exit Codes:
  0    every instance succeeded or was skipped as allowed
  1    the run failed
  2    the definition is invalid
  3    the configuration is invalid
  130  the run was cancelled

See also: stagehand validate, stagehand plan, stagehand history`,
		Example: `  # Example 1: Run a pipeline for a push to main
  stagehand run ci.yaml --event push --ref refs/heads/main

  # Example 2: Run only the test job and what it needs
  stagehand run ci.yaml --job test

  # Example 3: Pass a secret from the environment
  NPM_TOKEN=... stagehand run ci.yaml --secret NPM_TOKEN

  # Example 4: Print failed instance IDs
  stagehand run ci.yaml --query '.instances[] | select(.outcome == "failed") | .instance'`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteDefinitionFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args[0], opts)
		},
	}

	opts.trigger.Register(cmd.Flags())
	cmd.Flags().StringSliceVar(&opts.jobs, "job", nil, "Run only these jobs and the jobs they need")
	cmd.Flags().IntVar(&opts.maxParallel, "max-parallel", 0, "Maximum concurrently running instances (default: config)")
	cmd.Flags().BoolVar(&opts.failFast, "fail-fast", false, "Cancel pending instances after the first failure")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Disable cache restore and save")
	cmd.Flags().BoolVar(&opts.stream, "stream", false, "Stream step output to stderr while running")
	cmd.Flags().StringVar(&opts.query, "query", "", "jq expression applied to the JSON report")

	cmd.RegisterFlagCompletionFunc("job", completion.CompleteJobIDs)
	cmd.RegisterFlagCompletionFunc("event", completion.CompleteEvents)

	return cmd
}

func runPipeline(cmd *cobra.Command, path string, opts options) error {
	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()

	if opts.query != "" {
		if err := jq.Validate(opts.query); err != nil {
			return shared.NewConfigError("invalid --query", err)
		}
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	applyFlags(cfg, cmd, opts)
	logger := shared.NewLogger(cfg, errOut)

	eval := expression.New()
	def, err := shared.LoadDefinition(shared.DiagnosticWriter(cmd), "run", path, eval)
	if err != nil {
		return err
	}
	if len(opts.jobs) > 0 {
		if def, err = def.Subset(opts.jobs); err != nil {
			return shared.NewInvalidDefinitionError("invalid --job", err)
		}
	}

	runCtx, err := opts.trigger.Build(nil)
	if err != nil {
		return err
	}
	masker := secrets.NewMasker()
	masker.AddSecrets(runCtx.Secrets())

	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v, _, _ := shared.GetVersion()
	provider, err := tracing.NewProvider(ctx, tracing.Config{
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: v,
	})
	if err != nil {
		return shared.NewConfigError("failed to configure tracing", err)
	}
	defer func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to flush traces", log.Error(err))
		}
	}()

	var stream io.Writer
	if opts.stream {
		stream = errOut
	}
	eng, err := newEngine(cfg, runCtx, eval, masker, stream, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(pipeline.BuildGraph(def), runCtx, eng.runner, eval, scheduler.Options{
		MaxParallel:  cfg.Scheduler.MaxParallel,
		FailFast:     cfg.Scheduler.FailFast,
		SkipPolicy:   scheduler.SkipPolicy(cfg.Scheduler.SkipPolicy),
		DrainTimeout: cfg.Scheduler.DrainTimeout,
		Logger:       logger,
	})
	res := sched.Run(ctx)

	rep := report.Build(res, report.Options{
		MaxOutputBytes: cfg.Report.MaxOutputBytes,
		Masker:         masker,
	})

	// The report is still written and recorded after an interrupt.
	finishCtx := context.WithoutCancel(ctx)
	if err := writeReport(finishCtx, out, rep, opts.query); err != nil {
		return err
	}

	recordHistory(finishCtx, cfg, rep, runCtx, logger)
	if path := cfg.Observability.MetricsFile; path != "" {
		if err := metrics.WriteTextfile(path); err != nil {
			logger.Warn("failed to write metrics file", slog.String("path", path), log.Error(err))
		}
	}

	switch {
	case rep.Cancelled:
		return shared.NewCancelledError("")
	case rep.Outcome != pipeline.OutcomeSucceeded:
		return &shared.ExitError{Code: shared.ExitRunFailed}
	}
	return nil
}

// applyFlags overrides configuration with explicitly set flags.
func applyFlags(cfg *config.Config, cmd *cobra.Command, opts options) {
	if cmd.Flags().Changed("max-parallel") && opts.maxParallel > 0 {
		cfg.Scheduler.MaxParallel = opts.maxParallel
	}
	if opts.failFast {
		cfg.Scheduler.FailFast = true
	}
	if opts.noCache {
		cfg.Cache.Enabled = false
	}
}

// writeReport renders the report as text, JSON or a jq projection.
func writeReport(ctx context.Context, w io.Writer, rep *report.Report, query string) error {
	switch {
	case query != "":
		data, err := report.ToMap(rep)
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		if err := jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize).Write(ctx, w, query, data); err != nil {
			return shared.NewConfigError("--query failed", err)
		}
		return nil
	case shared.GetJSON():
		return report.WriteJSON(w, rep)
	case shared.GetQuiet():
		return nil
	default:
		return report.WriteText(w, rep, report.TextOptions{
			Styled:  report.IsTerminal(w),
			Verbose: shared.GetVerbose(),
		})
	}
}

// recordHistory stores the report in the run history. Failures are logged;
// they never change the run's exit code.
func recordHistory(ctx context.Context, cfg *config.Config, rep *report.Report, runCtx pipeline.RunContext, logger *slog.Logger) {
	if !cfg.History.Enabled {
		return
	}
	store, err := history.Open(history.Config{Path: cfg.History.Path, WAL: true})
	if err != nil {
		logger.Warn("failed to open run history", log.Error(err))
		return
	}
	defer store.Close()
	if err := store.Record(ctx, rep, runCtx); err != nil {
		logger.Warn("failed to record run", slog.String(log.RunIDKey, rep.RunID), log.Error(err))
	}
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
