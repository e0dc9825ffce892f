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
	"time"

	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/runner"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// dryRunner decides step gates the way the step runner does but executes
// nothing: every step that would run is assumed to succeed.
type dryRunner struct {
	eval        *expression.Evaluator
	publishGate gate.PublishGate
	dispatch    gate.DispatchGate
}

// Run implements scheduler.InstanceRunner.
func (d *dryRunner) Run(_ context.Context, req runner.Request) *runner.Result {
	res := &runner.Result{
		Outcome:    pipeline.OutcomeSucceeded,
		FailedStep: -1,
		StartedAt:  time.Now(),
	}

	healthy := true
	outcomes := make(map[string]pipeline.Outcome)
	for i := range req.Instance.Job.Steps {
		step := &req.Instance.Job.Steps[i]
		sr := d.step(req, step, healthy, outcomes)
		if sr.Outcome == pipeline.OutcomeFailed {
			res.Errors = append(res.Errors, sr.Err)
			if !sr.Tolerated && healthy {
				healthy = false
				res.Outcome = pipeline.OutcomeFailed
				res.FailedStep = i
			}
		}
		if step.ID != "" {
			outcomes[step.ID] = sr.Outcome
		}
		res.Steps = append(res.Steps, sr)
	}
	return res
}

func (d *dryRunner) step(req runner.Request, step *pipeline.StepDefinition, healthy bool, outcomes map[string]pipeline.Outcome) runner.StepResult {
	sr := runner.StepResult{Name: step.Name, ID: step.ID, Kind: step.Kind()}

	scope := *req.Scope
	scope.Success = healthy
	scope.Failure = !healthy
	scope.Steps = outcomes

	decision, err := d.eval.Gate(step.If, &scope)
	if err != nil {
		sr.Outcome = pipeline.OutcomeFailed
		sr.Err = runner.StepPredicateError(err, req.Instance.ID, step)
		sr.Tolerated = step.ContinueOnError
		return sr
	}
	if !decision.Run {
		sr.Outcome = pipeline.OutcomeSkipped
		sr.SkipReason = decision.Reason
		return sr
	}

	ok, reason := d.actionGate(scope.Run, step, healthy)
	if !ok {
		sr.Outcome = pipeline.OutcomeSkipped
		sr.SkipReason = pipeline.SkipReasonGate
		sr.Detail = reason
		return sr
	}

	sr.Outcome = pipeline.OutcomeSucceeded
	return sr
}

// actionGate mirrors the runner: publish and dispatch need every earlier
// step to have succeeded as well as their own gate.
func (d *dryRunner) actionGate(run pipeline.RunContext, step *pipeline.StepDefinition, healthy bool) (bool, string) {
	switch step.Kind() {
	case pipeline.StepKindPublish:
		if !healthy {
			return false, "an earlier step failed"
		}
		return d.publishGate.Allow(run)
	case pipeline.StepKindDispatch:
		if !healthy {
			return false, "an earlier step failed"
		}
		return d.dispatch.Allow(run, step.Dispatch.Branch)
	}
	return true, ""
}
