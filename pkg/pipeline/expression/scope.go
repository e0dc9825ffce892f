package expression

import (
	"github.com/tombee/stagehand/pkg/pipeline"
)

// Scope is the data a predicate or template is evaluated against.
type Scope struct {
	// Run is the immutable run context
	Run pipeline.RunContext

	// Matrix holds the instance's axis values
	Matrix pipeline.MatrixValues

	// Env is the resolved definition and job environment
	Env map[string]string

	// Needs maps each needed job to its aggregated outcome
	Needs map[string]pipeline.Outcome

	// Steps maps step ids to outcomes within the current instance
	Steps map[string]pipeline.Outcome

	// Success is the value of success()
	Success bool

	// Failure is the value of failure()
	Failure bool

	// Cancelled is the value of cancelled()
	Cancelled bool

	// ExcludeSecrets removes the secrets namespace, e.g. for cache keys
	ExcludeSecrets bool
}

// AggregateOutcome folds the outcomes of a job's instances into one result:
// failed if any failed, else cancelled if any was cancelled, else skipped if
// all were skipped, else succeeded.
func AggregateOutcome(outcomes []pipeline.Outcome) pipeline.Outcome {
	if len(outcomes) == 0 {
		return pipeline.OutcomeSkipped
	}
	cancelled, allSkipped := false, true
	for _, o := range outcomes {
		switch o {
		case pipeline.OutcomeFailed:
			return pipeline.OutcomeFailed
		case pipeline.OutcomeCancelled:
			cancelled = true
		case pipeline.OutcomeSkipped:
		default:
			allSkipped = false
		}
	}
	switch {
	case cancelled:
		return pipeline.OutcomeCancelled
	case allSkipped:
		return pipeline.OutcomeSkipped
	default:
		return pipeline.OutcomeSucceeded
	}
}

// env builds the expr environment for the scope.
func (s *Scope) env() map[string]interface{} {
	run := s.Run
	env := map[string]interface{}{
		"event":      run.Event(),
		"ref":        run.Ref(),
		"sha":        run.SHA(),
		"repository": run.Repository(),
		"actor":      run.Actor(),
		"branch":     run.Branch(),
		"tag":        run.Tag(),
		"github": map[string]interface{}{
			"event_name": run.Event(),
			"ref":        run.Ref(),
			"ref_name":   run.RefName(),
			"sha":        run.SHA(),
			"repository": run.Repository(),
			"actor":      run.Actor(),
			"workspace":  run.Workspace(),
		},
		"matrix": stringMap(s.Matrix.Map()),
		"env":    stringMap(s.Env),
		"needs":  outcomeMap(s.Needs, "result"),
		"steps":  outcomeMap(s.Steps, "outcome"),

		"success":   func() bool { return s.Success },
		"failure":   func() bool { return s.Failure },
		"cancelled": func() bool { return s.Cancelled },
		"always":    func() bool { return true },
	}
	if !s.ExcludeSecrets {
		env["secrets"] = stringMap(run.Secrets())
	}
	return env
}

// prototype returns an environment with the scope's shape, used for compiling.
func prototype(excludeSecrets bool) map[string]interface{} {
	s := &Scope{ExcludeSecrets: excludeSecrets}
	return s.env()
}

func stringMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func outcomeMap(in map[string]pipeline.Outcome, field string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = map[string]interface{}{field: string(v)}
	}
	return out
}
