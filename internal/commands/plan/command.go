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

package plan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/completion"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/scheduler"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// Decisions reported per instance and step.
const (
	DecisionRun   = "run"
	DecisionSkip  = "skip"
	DecisionError = "error"
)

// Step is the planned decision for one step.
type Step struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// Instance is the planned decision for one job instance.
type Instance struct {
	Instance string            `json:"instance"`
	Job      string            `json:"job"`
	Matrix   map[string]string `json:"matrix,omitempty"`
	Needs    []string          `json:"needs,omitempty"`
	Decision string            `json:"decision"`
	Reason   string            `json:"reason,omitempty"`
	Steps    []Step            `json:"steps,omitempty"`
}

// Plan is the result of planning a pipeline against a run context.
type Plan struct {
	Pipeline  string     `json:"pipeline,omitempty"`
	Event     string     `json:"event,omitempty"`
	Ref       string     `json:"ref,omitempty"`
	Instances []Instance `json:"instances"`
}

// NewCommand creates the plan command
func NewCommand() *cobra.Command {
	var (
		trigger shared.RunContextFlags
		jobs    []string
	)

	cmd := &cobra.Command{
		Use:   "plan <definition>",
		Short: "Show which instances a run would schedule",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Plan expands the pipeline's matrices and evaluates every job and step
condition against the run context, assuming each instance that runs
succeeds. Publish and dispatch gates are applied. No step is executed.

See also: stagehand run, stagehand validate`,
		Example: `  # Example 1: What runs for a release tag?
  stagehand plan ci.yaml --event push --ref refs/tags/v1.4.0

  # Example 2: Machine-readable plan
  stagehand plan ci.yaml --event pull_request --json`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteDefinitionFiles,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], trigger, jobs)
		},
	}

	trigger.Register(cmd.Flags())
	cmd.Flags().StringSliceVar(&jobs, "job", nil, "Plan only these jobs and the jobs they need")

	cmd.RegisterFlagCompletionFunc("job", completion.CompleteJobIDs)
	cmd.RegisterFlagCompletionFunc("event", completion.CompleteEvents)

	return cmd
}

func runPlan(cmd *cobra.Command, path string, trigger shared.RunContextFlags, jobs []string) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	eval := expression.New()
	def, err := shared.LoadDefinition(shared.DiagnosticWriter(cmd), "plan", path, eval)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		if def, err = def.Subset(jobs); err != nil {
			return shared.NewInvalidDefinitionError("invalid --job", err)
		}
	}

	runCtx, err := trigger.Build(nil)
	if err != nil {
		return err
	}

	logger := log.Discard()
	if shared.GetVerbose() {
		logger = shared.NewLogger(cfg, cmd.ErrOrStderr())
	}

	p := Build(cmdContext(cmd), def, runCtx, eval, Options{
		SkipPolicy: scheduler.SkipPolicy(cfg.Scheduler.SkipPolicy),
		TagPattern: cfg.Publish.TagPattern,
		Logger:     logger,
	})

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type planResponse struct {
			shared.JSONResponse
			Plan
		}
		return shared.EmitJSON(out, planResponse{
			JSONResponse: shared.NewJSONResponse("plan", true),
			Plan:         *p,
		})
	}
	writeText(out, p)
	return nil
}

// Options configures Build.
type Options struct {
	SkipPolicy scheduler.SkipPolicy
	TagPattern string
	Logger     *slog.Logger
}

// Build plans def against runCtx by scheduling it with a runner that
// evaluates gates but executes nothing.
func Build(ctx context.Context, def *pipeline.Definition, runCtx pipeline.RunContext, eval *expression.Evaluator, opts Options) *Plan {
	dry := &dryRunner{eval: eval, publishGate: gate.PublishGate{TagPattern: opts.TagPattern}}
	res := scheduler.New(pipeline.BuildGraph(def), runCtx, dry, eval, scheduler.Options{
		MaxParallel: 1,
		SkipPolicy:  opts.SkipPolicy,
		Logger:      opts.Logger,
	}).Run(ctx)

	p := &Plan{Pipeline: def.Name, Event: runCtx.Event(), Ref: runCtx.Ref()}
	for _, rec := range res.Records {
		inst := Instance{
			Instance: rec.Instance.ID,
			Job:      rec.Instance.Job.ID,
			Matrix:   rec.Instance.Matrix.Map(),
			Needs:    rec.Instance.Job.Needs,
		}
		switch rec.Outcome {
		case pipeline.OutcomeSucceeded:
			inst.Decision = DecisionRun
		case pipeline.OutcomeSkipped:
			inst.Decision = DecisionSkip
			inst.Reason = string(rec.SkipReason)
		default:
			inst.Decision = DecisionError
			if len(rec.Errors) > 0 {
				inst.Reason = rec.Errors[0].Error()
			}
		}
		if rec.Result != nil {
			for _, sr := range rec.Result.Steps {
				inst.Steps = append(inst.Steps, planStep(sr.Name, string(sr.Kind), sr.Outcome, string(sr.SkipReason), sr.Detail, sr.Err))
			}
		}
		p.Instances = append(p.Instances, inst)
	}
	return p
}

func planStep(name, kind string, outcome pipeline.Outcome, reason, detail string, err error) Step {
	st := Step{Name: name, Kind: kind}
	switch outcome {
	case pipeline.OutcomeSkipped:
		st.Decision = DecisionSkip
		st.Reason = reason
		if detail != "" {
			st.Reason += ": " + detail
		}
	case pipeline.OutcomeFailed:
		st.Decision = DecisionError
		if err != nil {
			st.Reason = err.Error()
		}
	default:
		st.Decision = DecisionRun
	}
	return st
}

func writeText(w io.Writer, p *Plan) {
	title := "Plan"
	if p.Pipeline != "" {
		title += " for " + p.Pipeline
	}
	var trigger []string
	for _, s := range []string{p.Event, p.Ref} {
		if s != "" {
			trigger = append(trigger, s)
		}
	}
	if len(trigger) > 0 {
		title += " (" + strings.Join(trigger, " ") + ")"
	}
	fmt.Fprintln(w, shared.Header.Render(title))

	width := 0
	for _, inst := range p.Instances {
		width = max(width, len(inst.Instance))
	}

	running := 0
	for _, inst := range p.Instances {
		symbol := shared.SymbolSkip
		switch inst.Decision {
		case DecisionRun:
			symbol = shared.SymbolOK
			running++
		case DecisionError:
			symbol = shared.SymbolError
		}
		line := fmt.Sprintf("  %s %-*s  %s", symbol, width, inst.Instance, label(inst.Decision, inst.Reason))
		if len(inst.Needs) > 0 {
			line += shared.Muted.Render("  needs " + strings.Join(inst.Needs, ", "))
		}
		fmt.Fprintln(w, line)
		for _, st := range inst.Steps {
			if st.Decision == DecisionRun {
				continue
			}
			fmt.Fprintf(w, "      %s %s  %s\n", shared.SymbolSkip, st.Name, label(st.Decision, st.Reason))
		}
	}
	fmt.Fprintf(w, "\n%d of %d instances would run\n", running, len(p.Instances))
}

func label(decision, reason string) string {
	if reason == "" {
		return decision
	}
	return decision + " (" + reason + ")"
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
