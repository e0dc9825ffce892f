package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/shell"
	"github.com/tombee/stagehand/internal/tracing"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// stepState is carried across the steps of one instance.
type stepState struct {
	scope    *expression.Scope
	env      map[string]string
	dir      string
	healthy  bool
	outcomes map[string]pipeline.Outcome
}

// stepScope returns the scope a step gate and its templates see.
func (s *stepState) stepScope(req Request) *expression.Scope {
	scope := *s.scope
	scope.Success = s.healthy
	scope.Failure = !s.healthy
	if req.Cancelled != nil {
		scope.Cancelled = req.Cancelled()
	}
	scope.Steps = make(map[string]pipeline.Outcome, len(s.outcomes))
	for k, v := range s.outcomes {
		scope.Steps[k] = v
	}
	return &scope
}

// runStep gates and executes one step. instCtx is the instance context
// (cancelled on hard run cancellation); jobCtx adds the job timeout.
func (r *Runner) runStep(instCtx, jobCtx context.Context, req Request, index int, step *pipeline.StepDefinition, state *stepState) StepResult {
	inst := req.Instance
	sr := StepResult{
		Name:      step.Name,
		ID:        step.ID,
		Kind:      step.Kind(),
		StartedAt: time.Now(),
	}
	defer func() {
		sr.Duration = time.Since(sr.StartedAt)
	}()

	logger := log.WithInstanceContext(r.logger, inst.Job.ID, inst.ID).With(log.StepKey, step.Name)
	scope := state.stepScope(req)

	decision, err := r.eval.Gate(step.If, scope)
	if err != nil {
		sr.Outcome = pipeline.OutcomeFailed
		sr.Err = StepPredicateError(err, inst.ID, step)
		sr.Tolerated = step.ContinueOnError
		logger.Warn("step predicate failed", log.Error(sr.Err))
		return sr
	}
	if !decision.Run {
		sr.Outcome = pipeline.OutcomeSkipped
		sr.SkipReason = decision.Reason
		logger.Debug("step skipped", "reason", decision.Reason)
		return sr
	}

	if ok, reason := r.actionGate(req, step, state); !ok {
		sr.Outcome = pipeline.OutcomeSkipped
		sr.SkipReason = pipeline.SkipReasonGate
		sr.Detail = reason
		logger.Info("step gated", "reason", reason)
		return sr
	}

	stepCtx := jobCtx
	var cancel context.CancelFunc = func() {}
	if step.TimeoutMinutes > 0 {
		stepCtx, cancel = context.WithTimeout(jobCtx, minutes(step.TimeoutMinutes))
	}
	defer cancel()

	stepCtx, span := tracing.StartStep(stepCtx, step.Name, string(sr.Kind))
	defer func() {
		tracing.EndStep(span, string(sr.Outcome), sr.Err)
	}()

	env, err := r.stepEnv(state.env, step, scope)
	if err != nil {
		return r.failed(sr, step, &sherrors.StepFailure{Step: step.Name, ExitCode: -1, Cause: err})
	}
	dir := state.dir
	if step.WorkingDirectory != "" {
		wd, err := r.eval.Interpolate(step.WorkingDirectory, scope)
		if err != nil {
			return r.failed(sr, step, &sherrors.StepFailure{Step: step.Name, ExitCode: -1, Cause: err})
		}
		if !filepath.IsAbs(wd) {
			wd = filepath.Join(state.dir, wd)
		}
		dir = wd
	}

	logger.Debug("step started", "kind", sr.Kind)
	var execErr error
	switch sr.Kind {
	case pipeline.StepKindPublish:
		execErr = r.publish(stepCtx, step, scope, env, dir, &sr)
	case pipeline.StepKindDispatch:
		execErr = r.dispatchStep(stepCtx, step, scope, env, dir)
	default:
		execErr = r.runShell(stepCtx, step, scope, env, dir, &sr)
	}
	r.emit(inst.ID, sr.Output)

	if execErr == nil {
		sr.Outcome = pipeline.OutcomeSucceeded
		logger.Debug("step succeeded")
		return sr
	}

	switch {
	case instCtx.Err() != nil:
		sr.Outcome = pipeline.OutcomeCancelled
		sr.Err = &sherrors.CancellationError{Instance: inst.ID, Started: true, Cause: execErr}
		logger.Warn("step cancelled")
		return sr
	case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
		execErr = &sherrors.TimeoutError{
			Operation: "job " + inst.Job.ID,
			Duration:  minutes(inst.Job.TimeoutMinutes),
			Cause:     execErr,
		}
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		execErr = &sherrors.TimeoutError{
			Operation: "step " + step.Name,
			Duration:  minutes(step.TimeoutMinutes),
			Cause:     execErr,
		}
	}

	var failure *sherrors.StepFailure
	if !errors.As(execErr, &failure) {
		failure = &sherrors.StepFailure{Step: step.Name, ExitCode: sr.ExitCode, Output: sr.Output, Cause: execErr}
	}
	logger.Warn("step failed", "exit_code", failure.ExitCode, log.Error(execErr))
	return r.failed(sr, step, failure)
}

func (r *Runner) failed(sr StepResult, step *pipeline.StepDefinition, err error) StepResult {
	sr.Outcome = pipeline.OutcomeFailed
	sr.Err = err
	sr.Tolerated = step.ContinueOnError
	return sr
}

// actionGate applies the publish and dispatch gates. Both also require every
// earlier step to have succeeded, regardless of the step's own predicate.
func (r *Runner) actionGate(req Request, step *pipeline.StepDefinition, state *stepState) (bool, string) {
	switch step.Kind() {
	case pipeline.StepKindPublish:
		if !state.healthy {
			return false, "an earlier step failed"
		}
		return r.config.PublishGate.Allow(req.Scope.Run)
	case pipeline.StepKindDispatch:
		if !state.healthy {
			return false, "an earlier step failed"
		}
		return r.dispatch.Allow(req.Scope.Run, step.Dispatch.Branch)
	}
	return true, ""
}

func (r *Runner) runShell(ctx context.Context, step *pipeline.StepDefinition, scope *expression.Scope, env map[string]string, dir string, sr *StepResult) error {
	script, err := r.eval.Interpolate(step.Run, scope)
	if err != nil {
		sr.ExitCode = -1
		return err
	}
	sh := step.Shell
	if sh == "" {
		sh = r.config.Shell
	}

	res, err := r.config.Executor.Execute(ctx, shell.Command{
		Name:   step.Name,
		Script: script,
		Shell:  sh,
		Dir:    dir,
		Env:    environ(env),
	})
	sr.ExitCode = res.ExitCode
	sr.Output = r.config.Masker.Mask(res.Output)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &sherrors.StepFailure{Step: step.Name, ExitCode: res.ExitCode, Output: sr.Output}
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, step *pipeline.StepDefinition, scope *expression.Scope, env map[string]string, dir string, sr *StepResult) error {
	if r.config.Publisher == nil {
		return &sherrors.ConfigError{Key: "publish.command", Reason: "no publisher configured"}
	}

	patterns := make([]string, 0, len(step.Publish.Artifacts))
	for _, a := range step.Publish.Artifacts {
		p, err := r.eval.Interpolate(a, scope)
		if err != nil {
			return err
		}
		patterns = append(patterns, p)
	}
	artifacts, err := gate.ResolveArtifacts(dir, patterns)
	if err != nil {
		return err
	}

	out, err := r.config.Publisher.Publish(ctx, gate.PublishRequest{
		Artifacts: artifacts,
		Registry:  step.Publish.Registry,
		Dir:       dir,
		Env:       environ(env),
	})
	sr.Output = r.config.Masker.Mask(out)
	return err
}

func (r *Runner) dispatchStep(ctx context.Context, step *pipeline.StepDefinition, scope *expression.Scope, env map[string]string, dir string) error {
	if r.config.Dispatcher == nil {
		return &sherrors.ConfigError{Key: "dispatch", Reason: "no dispatcher configured"}
	}

	repo, err := r.eval.Interpolate(step.Dispatch.Repository, scope)
	if err != nil {
		return err
	}
	payload, err := r.eval.InterpolateMap(step.Dispatch.Payload, scope)
	if err != nil {
		return err
	}
	return r.config.Dispatcher.Dispatch(ctx, gate.DispatchRequest{
		Repository: repo,
		EventType:  step.Dispatch.EventType,
		Payload:    payload,
		Env:        environ(env),
		Dir:        dir,
	})
}

// emit writes step output to the configured writer, one prefixed line at a time.
func (r *Runner) emit(instance, output string) {
	if r.config.Output == nil || output == "" {
		return
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(output, "\n"), "\n") {
		fmt.Fprintf(&b, "[%s] %s\n", instance, line)
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	_, _ = io.WriteString(r.config.Output, b.String())
}

// StepPredicateError attributes a step gate failure to its instance and step.
func StepPredicateError(err error, instance string, step *pipeline.StepDefinition) error {
	var pe *sherrors.PredicateError
	if !errors.As(err, &pe) {
		pe = &sherrors.PredicateError{Expression: step.If, Cause: err}
	}
	pe.Instance = instance
	pe.Step = step.Name
	return pe
}
