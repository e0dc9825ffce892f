package runner

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// instanceEnv layers the instance environment, later layers winning:
// inherited process env, CI variables, run secrets, definition env, job
// env, matrix variables. It returns the environment and the instance scope with the
// rendered env visible to expressions.
func (r *Runner) instanceEnv(req Request, workspace, tempDir string) (map[string]string, *expression.Scope, error) {
	inst := req.Instance
	run := req.Scope.Run
	env := make(map[string]string)

	for _, kv := range r.environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.HasPrefix(k, pipeline.SecretEnvPrefix) {
			continue
		}
		env[k] = v
	}
	if !r.config.InheritEnv && len(r.environ) == 0 {
		for _, k := range []string{"PATH", "HOME"} {
			if v, ok := os.LookupEnv(k); ok {
				env[k] = v
			}
		}
	}

	env["CI"] = "true"
	env["STAGEHAND"] = "true"
	env["STAGEHAND_EVENT"] = run.Event()
	env["STAGEHAND_REF"] = run.Ref()
	env["STAGEHAND_REF_NAME"] = run.RefName()
	env["STAGEHAND_SHA"] = run.SHA()
	env["STAGEHAND_REPOSITORY"] = run.Repository()
	env["STAGEHAND_JOB"] = inst.Job.ID
	env["STAGEHAND_INSTANCE"] = inst.ID
	env["STAGEHAND_WORKSPACE"] = workspace
	env["RUNNER_TEMP"] = tempDir

	if !r.config.SecretsByReference {
		for name, v := range run.Secrets() {
			env[name] = v
		}
	}

	scope := *req.Scope
	scope.Env = make(map[string]string)

	layers := []map[string]string{}
	if req.Definition != nil {
		layers = append(layers, req.Definition.Env)
	}
	layers = append(layers, inst.Job.Env)
	for i, layer := range layers {
		for _, k := range sortedKeys(layer) {
			v, err := r.eval.Interpolate(layer[k], &scope)
			if err != nil {
				where := "env"
				if i == len(layers)-1 {
					where = "jobs." + inst.Job.ID + ".env"
				}
				return nil, nil, fmt.Errorf("%s.%s: %w", where, k, err)
			}
			env[k] = v
			scope.Env[k] = v
		}
	}

	for _, mv := range inst.Matrix {
		env[MatrixEnvName(mv.Name)] = mv.Value
	}

	return env, &scope, nil
}

// stepEnv renders the step's env overrides on top of base.
func (r *Runner) stepEnv(base map[string]string, step *pipeline.StepDefinition, scope *expression.Scope) (map[string]string, error) {
	env := make(map[string]string, len(base)+len(step.Env))
	for k, v := range base {
		env[k] = v
	}
	for _, k := range sortedKeys(step.Env) {
		v, err := r.eval.Interpolate(step.Env[k], scope)
		if err != nil {
			return nil, fmt.Errorf("env.%s: %w", k, err)
		}
		env[k] = v
	}
	return env, nil
}

// MatrixEnvName returns the environment variable carrying a matrix axis,
// e.g. "python-version" becomes MATRIX_PYTHON_VERSION.
func MatrixEnvName(axis string) string {
	var b strings.Builder
	b.WriteString("MATRIX_")
	for _, r := range axis {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// environ flattens env into sorted KEY=VALUE pairs.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
