package pipeline

import (
	"fmt"
	"strings"

	"github.com/tombee/stagehand/pkg/errors"
)

// Validate checks the definition for structural errors. The first problem
// found is returned as a *errors.DefinitionError.
func (d *Definition) Validate() error {
	if len(d.Jobs) == 0 {
		return &errors.DefinitionError{Field: "jobs", Message: "at least one job is required"}
	}

	ids := make(map[string]bool, len(d.Jobs))
	for _, job := range d.Jobs {
		if !jobIDPattern.MatchString(job.ID) {
			return &errors.DefinitionError{
				Job:     job.ID,
				Message: "job id must start with a letter or underscore and contain only letters, digits, '-' and '_'",
			}
		}
		ids[job.ID] = true
	}

	for _, job := range d.Jobs {
		if err := job.validate(ids); err != nil {
			return err
		}
	}

	return d.detectCycles()
}

func (jd *JobDefinition) validate(ids map[string]bool) error {
	fail := func(field, format string, args ...interface{}) error {
		return &errors.DefinitionError{Job: jd.ID, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	seen := make(map[string]bool, len(jd.Needs))
	for _, need := range jd.Needs {
		switch {
		case need == jd.ID:
			return fail("needs", "job cannot need itself")
		case !ids[need]:
			return fail("needs", "unknown job %q", need)
		case seen[need]:
			return fail("needs", "duplicate dependency %q", need)
		}
		seen[need] = true
	}

	if jd.TimeoutMinutes < 0 {
		return fail("timeout-minutes", "must not be negative")
	}
	if jd.Strategy.MaxParallel < 0 {
		return fail("strategy.max-parallel", "must not be negative")
	}

	if err := jd.Strategy.Matrix.validate(); err != nil {
		return fail(err.field, "%s", err.message)
	}

	for i, c := range jd.Cache {
		field := fmt.Sprintf("cache[%d]", i)
		if strings.TrimSpace(c.Key) == "" {
			return fail(field+".key", "cache key is required")
		}
		if len(c.Path) == 0 {
			return fail(field+".path", "at least one path is required")
		}
	}

	if len(jd.Steps) == 0 {
		return fail("steps", "at least one step is required")
	}
	stepIDs := make(map[string]bool)
	for i := range jd.Steps {
		step := &jd.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)
		switch n := step.actionCount(); {
		case n == 0:
			return fail(field, "step must define one of run, publish or dispatch")
		case n > 1:
			return fail(field, "step must define only one of run, publish or dispatch")
		}
		if step.ID != "" {
			if stepIDs[step.ID] {
				return fail(field+".id", "duplicate step id %q", step.ID)
			}
			stepIDs[step.ID] = true
		}
		if step.TimeoutMinutes < 0 {
			return fail(field+".timeout-minutes", "must not be negative")
		}
		if step.Publish != nil && len(step.Publish.Artifacts) == 0 {
			return fail(field+".publish.artifacts", "at least one artifact pattern is required")
		}
		if step.Dispatch != nil {
			if !strings.Contains(step.Dispatch.Repository, "/") {
				return fail(field+".dispatch.repository", "repository must be in owner/name form")
			}
			if step.Dispatch.EventType == "" {
				return fail(field+".dispatch.event-type", "event type is required")
			}
		}
	}

	return nil
}

type matrixProblem struct {
	field   string
	message string
}

func (m *Matrix) validate() *matrixProblem {
	axes := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		field := "strategy.matrix." + axis.Name
		if len(axis.Values) == 0 {
			return &matrixProblem{field, "matrix axis must have at least one value"}
		}
		if axes[axis.Name] {
			return &matrixProblem{field, "duplicate matrix axis"}
		}
		axes[axis.Name] = true
	}
	for _, entry := range m.Exclude {
		if len(entry) == 0 {
			return &matrixProblem{"strategy.matrix.exclude", "exclude entries must not be empty"}
		}
		for _, v := range entry {
			if !axes[v.Name] {
				return &matrixProblem{"strategy.matrix.exclude", fmt.Sprintf("unknown axis %q", v.Name)}
			}
		}
	}
	for _, entry := range m.Include {
		if len(entry) == 0 {
			return &matrixProblem{"strategy.matrix.include", "include entries must not be empty"}
		}
	}
	return nil
}

// detectCycles runs a depth-first search over needs edges with temporary and
// permanent marks. The error names the jobs on the cycle.
func (d *Definition) detectCycles() error {
	permanent := make(map[string]bool, len(d.Jobs))
	temporary := make(map[string]bool)
	var stack []string

	var visit func(job *JobDefinition) error
	visit = func(job *JobDefinition) error {
		if permanent[job.ID] {
			return nil
		}
		if temporary[job.ID] {
			start := 0
			for i, id := range stack {
				if id == job.ID {
					start = i
					break
				}
			}
			cycle := append(append([]string{}, stack[start:]...), job.ID)
			return &errors.DefinitionError{
				Job:     job.ID,
				Field:   "needs",
				Message: "dependency cycle: " + strings.Join(cycle, " -> "),
			}
		}

		temporary[job.ID] = true
		stack = append(stack, job.ID)
		for _, need := range job.Needs {
			dep, _ := d.Job(need)
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		delete(temporary, job.ID)
		permanent[job.ID] = true
		return nil
	}

	for _, job := range d.Jobs {
		if err := visit(job); err != nil {
			return err
		}
	}
	return nil
}
