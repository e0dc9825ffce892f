package expression

import (
	"fmt"
	"sort"

	"github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// CheckDefinition compiles every predicate and template in def and returns
// one DefinitionError per problem, in declaration order. Cache keys are
// compiled without the secrets namespace.
func (e *Evaluator) CheckDefinition(def *pipeline.Definition) []error {
	var problems []error
	add := func(job, field string, err error) {
		if err != nil {
			problems = append(problems, &errors.DefinitionError{
				Job: job, Field: field, Message: err.Error(), Cause: err,
			})
		}
	}

	for _, field := range sortedKeys(def.Env) {
		add("", "env."+field, e.checkTemplate(kindValue, def.Env[field]))
	}

	for _, job := range def.Jobs {
		add(job.ID, "if", e.Check(job.If))
		for _, field := range sortedKeys(job.Env) {
			add(job.ID, "env."+field, e.checkTemplate(kindValue, job.Env[field]))
		}
		for i, c := range job.Cache {
			add(job.ID, fmt.Sprintf("cache[%d].key", i), e.checkTemplate(kindValueNoSecrets, c.Key))
			for j, rk := range c.RestoreKeys {
				add(job.ID, fmt.Sprintf("cache[%d].restore-keys[%d]", i, j), e.checkTemplate(kindValueNoSecrets, rk))
			}
		}
		for i := range job.Steps {
			step := &job.Steps[i]
			prefix := fmt.Sprintf("steps[%d]", i)
			add(job.ID, prefix+".if", e.Check(step.If))
			add(job.ID, prefix+".run", e.checkTemplate(kindValue, step.Run))
			add(job.ID, prefix+".working-directory", e.checkTemplate(kindValue, step.WorkingDirectory))
			for _, field := range sortedKeys(step.Env) {
				add(job.ID, prefix+".env."+field, e.checkTemplate(kindValue, step.Env[field]))
			}
			if d := step.Dispatch; d != nil {
				add(job.ID, prefix+".dispatch.repository", e.checkTemplate(kindValue, d.Repository))
				for _, field := range sortedKeys(d.Payload) {
					add(job.ID, prefix+".dispatch.payload."+field, e.checkTemplate(kindValue, d.Payload[field]))
				}
			}
		}
	}
	return problems
}

// checkTemplate compiles every ${{ }} interpolation in s.
func (e *Evaluator) checkTemplate(kind programKind, s string) error {
	if !HasTemplate(s) {
		return nil
	}
	for _, m := range templatePattern.FindAllStringSubmatch(s, -1) {
		if _, err := e.compile(kind, m[1]); err != nil {
			return fmt.Errorf("compiling %q: %w", m[1], err)
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
