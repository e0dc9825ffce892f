package runner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/shell"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
	"github.com/tombee/stagehand/pkg/secrets"
)

// fakeExecutor fails scripts containing "fail", blocks on "block" until the
// context ends, and otherwise succeeds echoing the script.
type fakeExecutor struct {
	mu       sync.Mutex
	commands []shell.Command

	// onRun, when set, sees each command before it completes
	onRun func(cmd shell.Command)
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	if f.onRun != nil {
		f.onRun(cmd)
	}

	switch {
	case strings.Contains(cmd.Script, "block"):
		<-ctx.Done()
		return shell.Result{ExitCode: -1}, ctx.Err()
	case strings.Contains(cmd.Script, "fail"):
		return shell.Result{ExitCode: 2, Output: "boom: " + cmd.Script}, nil
	}
	return shell.Result{Output: cmd.Script}, nil
}

func (f *fakeExecutor) scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	for i, c := range f.commands {
		out[i] = c.Script
	}
	return out
}

func envOf(cmd shell.Command) map[string]string {
	env := make(map[string]string)
	for _, kv := range cmd.Env {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return env
}

type fixture struct {
	def   *pipeline.Definition
	graph *pipeline.Graph
	run   pipeline.RunContext
}

func newFixture(t *testing.T, yaml string, opts pipeline.RunContextOptions) *fixture {
	t.Helper()
	def, err := pipeline.ParseDefinition([]byte(yaml))
	require.NoError(t, err)
	if opts.Workspace == "" {
		opts.Workspace = t.TempDir()
	}
	return &fixture{def: def, graph: pipeline.BuildGraph(def), run: pipeline.NewRunContext(opts)}
}

func (f *fixture) request(index int) Request {
	inst := f.graph.Instances[index]
	return Request{
		Instance:   inst,
		Definition: f.def,
		Scope: &expression.Scope{
			Run:     f.run,
			Matrix:  inst.Matrix,
			Success: true,
		},
	}
}

func newRunner(exec shell.Executor, cfg Config) *Runner {
	cfg.Executor = exec
	return New(cfg, expression.New()).WithEnviron([]string{
		"PATH=/usr/bin",
		"HOME=/home/ci",
		"STAGEHAND_SECRET_TOKEN=leak",
	})
}

func TestRunner_EnvironmentLayering(t *testing.T) {
	f := newFixture(t, `
env:
  LEVEL: definition
  SHARED: definition
jobs:
  test:
    env:
      SHARED: job
      TOKEN: ${{ secrets.TOKEN }}
    strategy:
      matrix:
        python-version: ["3.7"]
    steps:
      - run: pytest
        env:
          STEP: "py${{ matrix['python-version'] }}"
          SHARED: step
`, pipeline.RunContextOptions{
		Event:   "push",
		Ref:     "refs/heads/master",
		Secrets: map[string]string{"TOKEN": "s3cret"},
	})
	exec := &fakeExecutor{}

	res := newRunner(exec, Config{}).Run(context.Background(), f.request(0))
	require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
	require.Len(t, exec.commands, 1)

	env := envOf(exec.commands[0])
	assert.Equal(t, "/usr/bin", env["PATH"])
	assert.Equal(t, "true", env["CI"])
	assert.Equal(t, "refs/heads/master", env["STAGEHAND_REF"])
	assert.Equal(t, "test (3.7)", env["STAGEHAND_INSTANCE"])
	assert.Equal(t, "definition", env["LEVEL"])
	assert.Equal(t, "step", env["SHARED"])
	assert.Equal(t, "3.7", env["MATRIX_PYTHON_VERSION"])
	assert.Equal(t, "py3.7", env["STEP"])
	assert.Equal(t, "s3cret", env["TOKEN"])
	assert.NotContains(t, env, "STAGEHAND_SECRET_TOKEN")
	assert.Equal(t, env["STAGEHAND_WORKSPACE"], exec.commands[0].Dir)
	assert.NotEqual(t, f.run.Workspace(), exec.commands[0].Dir)
}

func TestRunner_SecretsInStepEnvironment(t *testing.T) {
	yaml := `
jobs:
  release:
    steps:
      - run: deploy
`
	opts := pipeline.RunContextOptions{Secrets: map[string]string{"PYPI_TOKEN": "s3cr3t"}}

	t.Run("exposed by default", func(t *testing.T) {
		exec := &fakeExecutor{}
		res := newRunner(exec, Config{}).Run(context.Background(), newFixture(t, yaml, opts).request(0))
		require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
		assert.Equal(t, "s3cr3t", envOf(exec.commands[0])["PYPI_TOKEN"])
	})

	t.Run("by reference only", func(t *testing.T) {
		exec := &fakeExecutor{}
		res := newRunner(exec, Config{SecretsByReference: true}).Run(context.Background(), newFixture(t, yaml, opts).request(0))
		require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
		assert.NotContains(t, envOf(exec.commands[0]), "PYPI_TOKEN")
	})

	t.Run("job env overrides", func(t *testing.T) {
		exec := &fakeExecutor{}
		f := newFixture(t, `
jobs:
  release:
    env:
      PYPI_TOKEN: placeholder
    steps:
      - run: deploy
`, opts)
		newRunner(exec, Config{}).Run(context.Background(), f.request(0))
		assert.Equal(t, "placeholder", envOf(exec.commands[0])["PYPI_TOKEN"])
	})
}

func TestRunner_PrivateWorkspace(t *testing.T) {
	f := newFixture(t, `
jobs:
  build:
    steps:
      - run: make
`, pipeline.RunContextOptions{})
	src := f.run.Workspace()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "main.c"), []byte("int main;"), 0o644))
	require.NoError(t, os.Symlink("pkg/main.c", filepath.Join(src, "link.c")))

	var seen string
	var linked string
	exec := &fakeExecutor{onRun: func(cmd shell.Command) {
		data, err := os.ReadFile(filepath.Join(cmd.Dir, "pkg", "main.c"))
		if err == nil {
			seen = string(data)
		}
		if target, err := os.Readlink(filepath.Join(cmd.Dir, "link.c")); err == nil {
			linked = target
		}
		_ = os.WriteFile(filepath.Join(cmd.Dir, "pkg", "main.c"), []byte("changed"), 0o644)
		_ = os.WriteFile(filepath.Join(cmd.Dir, "out.o"), []byte("obj"), 0o644)
	}}

	res := newRunner(exec, Config{}).Run(context.Background(), f.request(0))
	require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)

	assert.Equal(t, "int main;", seen)
	assert.Equal(t, "pkg/main.c", linked)
	data, err := os.ReadFile(filepath.Join(src, "pkg", "main.c"))
	require.NoError(t, err)
	assert.Equal(t, "int main;", string(data), "steps must not modify the run workspace")
	assert.NoFileExists(t, filepath.Join(src, "out.o"))
	assert.NoDirExists(t, exec.commands[0].Dir)
}

func TestRunner_TempRootInsideWorkspace(t *testing.T) {
	f := newFixture(t, `
jobs:
  build:
    steps:
      - run: make
`, pipeline.RunContextOptions{})
	tmpRoot := filepath.Join(f.run.Workspace(), ".tmp")
	require.NoError(t, os.MkdirAll(tmpRoot, 0o755))

	exec := &fakeExecutor{}
	res := newRunner(exec, Config{TempDir: tmpRoot}).Run(context.Background(), f.request(0))
	require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
	assert.NoDirExists(t, filepath.Join(exec.commands[0].Dir, ".tmp"))
}

func TestRunner_FirstFailureHaltsRemainingSteps(t *testing.T) {
	f := newFixture(t, `
jobs:
  build:
    steps:
      - run: lint
        continue-on-error: true
      - run: lint fail
        continue-on-error: true
      - run: compile fail
      - run: never
      - name: cleanup
        if: always()
        run: rm -rf tmp
`, pipeline.RunContextOptions{})
	exec := &fakeExecutor{}

	res := newRunner(exec, Config{}).Run(context.Background(), f.request(0))

	assert.Equal(t, pipeline.OutcomeFailed, res.Outcome)
	assert.Equal(t, []string{"lint", "lint fail", "compile fail", "rm -rf tmp"}, exec.scripts())
	assert.Equal(t, 2, res.FailedStep, "best-effort failure does not decide the outcome")

	require.Len(t, res.Steps, 5)
	assert.True(t, res.Steps[1].Tolerated)
	assert.Equal(t, pipeline.OutcomeSkipped, res.Steps[3].Outcome)
	assert.Equal(t, pipeline.SkipReasonUpstream, res.Steps[3].SkipReason)
	assert.Equal(t, pipeline.OutcomeSucceeded, res.Steps[4].Outcome)

	var failure *sherrors.StepFailure
	require.ErrorAs(t, res.Steps[2].Err, &failure)
	assert.Equal(t, 2, failure.ExitCode)
	assert.Contains(t, failure.Output, "boom")
}

func TestRunner_BestEffortFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, `
jobs:
  docs:
    steps:
      - run: spellcheck fail
        continue-on-error: true
      - run: build docs
`, pipeline.RunContextOptions{})
	exec := &fakeExecutor{}

	res := newRunner(exec, Config{}).Run(context.Background(), f.request(0))
	assert.Equal(t, pipeline.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, -1, res.FailedStep)
	assert.Len(t, res.Errors, 1, "tolerated failure is still recorded")
}

func TestRunner_StepConditionsSeeStepOutcomes(t *testing.T) {
	f := newFixture(t, `
jobs:
  build:
    steps:
      - id: lint
        run: lint fail
        continue-on-error: true
      - run: fallback
        if: steps.lint.outcome == 'failed'
      - run: fast path
        if: steps.lint.outcome == 'succeeded'
`, pipeline.RunContextOptions{})
	exec := &fakeExecutor{}

	res := newRunner(exec, Config{}).Run(context.Background(), f.request(0))
	assert.Equal(t, pipeline.OutcomeSucceeded, res.Outcome)
	assert.Equal(t, []string{"lint fail", "fallback"}, exec.scripts())
	assert.Equal(t, pipeline.SkipReasonCondition, res.Steps[2].SkipReason)
}

func TestRunner_MasksSecretsInOutput(t *testing.T) {
	f := newFixture(t, `
jobs:
  deploy:
    steps:
      - run: echo ${{ secrets.TOKEN }} fail
`, pipeline.RunContextOptions{Secrets: map[string]string{"TOKEN": "hunter22"}})
	exec := &fakeExecutor{}
	masker := secrets.NewMasker()
	masker.AddSecret("hunter22")
	var out bytes.Buffer

	res := newRunner(exec, Config{Masker: masker, Output: &out}).Run(context.Background(), f.request(0))

	require.Equal(t, pipeline.OutcomeFailed, res.Outcome)
	assert.NotContains(t, res.Steps[0].Output, "hunter22")
	assert.Contains(t, res.Steps[0].Output, secrets.Redacted)
	assert.NotContains(t, out.String(), "hunter22")
	assert.Contains(t, out.String(), "[deploy] ")
}

func TestRunner_RemovesTempDir(t *testing.T) {
	f := newFixture(t, `
jobs:
  a:
    steps:
      - run: fail now
`, pipeline.RunContextOptions{})
	exec := &fakeExecutor{}
	tmpRoot := t.TempDir()

	newRunner(exec, Config{TempDir: tmpRoot}).Run(context.Background(), f.request(0))

	tempDir := envOf(exec.commands[0])["RUNNER_TEMP"]
	require.True(t, strings.HasPrefix(tempDir, tmpRoot))
	assert.NoDirExists(t, tempDir)
}

func TestRunner_StepTimeout(t *testing.T) {
	f := newFixture(t, `
jobs:
  slow:
    steps:
      - run: block
        timeout-minutes: 0.0005
`, pipeline.RunContextOptions{})

	res := newRunner(&fakeExecutor{}, Config{}).Run(context.Background(), f.request(0))

	assert.Equal(t, pipeline.OutcomeFailed, res.Outcome)
	var timeout *sherrors.TimeoutError
	require.ErrorAs(t, res.Steps[0].Err, &timeout)
	assert.Equal(t, "step Run block", timeout.Operation)
}

func TestRunner_CancellationKillsRunningStep(t *testing.T) {
	f := newFixture(t, `
jobs:
  long:
    steps:
      - run: block
      - run: after
`, pipeline.RunContextOptions{})
	exec := &fakeExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res := newRunner(exec, Config{}).Run(ctx, f.request(0))

	assert.Equal(t, pipeline.OutcomeCancelled, res.Outcome)
	assert.Equal(t, []string{"block"}, exec.scripts())
	require.Len(t, res.Steps, 2)
	assert.Equal(t, pipeline.OutcomeCancelled, res.Steps[0].Outcome)
	assert.Equal(t, pipeline.OutcomeSkipped, res.Steps[1].Outcome)

	var cancelErr *sherrors.CancellationError
	assert.ErrorAs(t, res.Errors[0], &cancelErr)
}

func TestRunner_PredicateErrorFailsInstance(t *testing.T) {
	f := newFixture(t, `
jobs:
  a:
    steps:
      - run: x
        if: nope.field == 1
`, pipeline.RunContextOptions{})

	res := newRunner(&fakeExecutor{}, Config{}).Run(context.Background(), f.request(0))

	assert.Equal(t, pipeline.OutcomeFailed, res.Outcome)
	var predErr *sherrors.PredicateError
	require.ErrorAs(t, res.Errors[0], &predErr)
	assert.Equal(t, "a", predErr.Instance)
	assert.Equal(t, "Run x", predErr.Step)
}

type recordingPublisher struct {
	requests []gate.PublishRequest
}

func (p *recordingPublisher) Publish(_ context.Context, req gate.PublishRequest) (string, error) {
	p.requests = append(p.requests, req)
	return "uploaded", nil
}

const publishYAML = `
jobs:
  release:
    steps:
      - run: build
      - publish:
          artifacts: ["dist/*"]
          registry: pypi
`

func TestRunner_PublishGate(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		ref       string
		published bool
	}{
		{"release tag push", "push", "refs/tags/v1.0", true},
		{"branch push", "push", "refs/heads/master", false},
		{"pull request", "pull_request", "refs/tags/v1.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, publishYAML, pipeline.RunContextOptions{Event: tt.event, Ref: tt.ref})
			dist := filepath.Join(f.run.Workspace(), "dist")
			require.NoError(t, os.MkdirAll(dist, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dist, "pkg.whl"), nil, 0o644))
			pub := &recordingPublisher{}

			res := newRunner(&fakeExecutor{}, Config{Publisher: pub}).Run(context.Background(), f.request(0))

			assert.Equal(t, pipeline.OutcomeSucceeded, res.Outcome)
			if tt.published {
				require.Len(t, pub.requests, 1)
				assert.Equal(t, []string{"dist/pkg.whl"}, pub.requests[0].Artifacts)
				assert.Equal(t, "pypi", pub.requests[0].Registry)
				assert.Equal(t, pipeline.OutcomeSucceeded, res.Steps[1].Outcome)
			} else {
				assert.Empty(t, pub.requests)
				assert.Equal(t, pipeline.SkipReasonGate, res.Steps[1].SkipReason)
				assert.NotEmpty(t, res.Steps[1].Detail)
			}
		})
	}
}

func TestRunner_DispatchWithoutDispatcherFails(t *testing.T) {
	f := newFixture(t, `
jobs:
  notify:
    steps:
      - dispatch:
          repository: org/docs
          event-type: rebuild
          branch: master
`, pipeline.RunContextOptions{Event: "push", Ref: "refs/heads/master"})

	res := newRunner(&fakeExecutor{}, Config{}).Run(context.Background(), f.request(0))

	assert.Equal(t, pipeline.OutcomeFailed, res.Outcome)
	var cfgErr *sherrors.ConfigError
	assert.ErrorAs(t, res.Steps[0].Err, &cfgErr)
}

type recordingDispatcher struct {
	requests []gate.DispatchRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req gate.DispatchRequest) error {
	d.requests = append(d.requests, req)
	return nil
}

func TestRunner_DispatchBranchGate(t *testing.T) {
	yaml := `
jobs:
  notify:
    steps:
      - dispatch:
          repository: org/docs
          event-type: rebuild
          branch: master
          payload:
            sha: ${{ sha }}
`
	d := &recordingDispatcher{}
	f := newFixture(t, yaml, pipeline.RunContextOptions{Event: "push", Ref: "refs/heads/dev"})
	res := newRunner(&fakeExecutor{}, Config{Dispatcher: d}).Run(context.Background(), f.request(0))
	assert.Equal(t, pipeline.SkipReasonGate, res.Steps[0].SkipReason)
	assert.Empty(t, d.requests)

	f = newFixture(t, yaml, pipeline.RunContextOptions{Event: "push", Ref: "refs/heads/master", SHA: "abc123"})
	res = newRunner(&fakeExecutor{}, Config{Dispatcher: d}).Run(context.Background(), f.request(0))
	assert.Equal(t, pipeline.OutcomeSucceeded, res.Outcome)
	require.Len(t, d.requests, 1)
	assert.Equal(t, "org/docs", d.requests[0].Repository)
	assert.Equal(t, map[string]string{"sha": "abc123"}, d.requests[0].Payload)
}

const cacheYAML = `
jobs:
  test:
    cache:
      path: .deps
      key: deps-${{ matrix.python }}
      hash-files: requirements.txt
    strategy:
      matrix:
        python: ["3.7"]
    steps:
      - run: install
`

func TestRunner_CacheRestoreAndSave(t *testing.T) {
	store, err := cache.NewFSStore(t.TempDir())
	require.NoError(t, err)
	eval := expression.New()

	prepare := func(t *testing.T) *fixture {
		f := newFixture(t, cacheYAML, pipeline.RunContextOptions{})
		ws := f.run.Workspace()
		require.NoError(t, os.WriteFile(filepath.Join(ws, "requirements.txt"), []byte("torch"), 0o644))
		return f
	}

	// First run: miss, then the produced deps are saved.
	first := prepare(t)
	require.NoError(t, os.MkdirAll(filepath.Join(first.run.Workspace(), ".deps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(first.run.Workspace(), ".deps", "torch.whl"), []byte("wheel"), 0o644))
	r1 := New(Config{Executor: &fakeExecutor{}, Cache: cache.NewManager(cache.ManagerConfig{Store: store, Evaluator: eval})}, eval)
	res := r1.Run(context.Background(), first.request(0))
	require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
	assert.Equal(t, "miss", res.CacheStatus())

	// Second run in a fresh workspace: exact hit restores the deps into the
	// instance workspace before the steps run.
	second := prepare(t)
	var restored string
	exec := &fakeExecutor{onRun: func(cmd shell.Command) {
		data, _ := os.ReadFile(filepath.Join(cmd.Dir, ".deps", "torch.whl"))
		restored = string(data)
	}}
	r2 := New(Config{Executor: exec, Cache: cache.NewManager(cache.ManagerConfig{Store: store, Evaluator: eval})}, eval)
	res = r2.Run(context.Background(), second.request(0))
	require.Equal(t, pipeline.OutcomeSucceeded, res.Outcome, res.Errors)
	assert.Equal(t, "hit", res.CacheStatus())
	assert.Equal(t, "wheel", restored)
	assert.NoDirExists(t, filepath.Join(second.run.Workspace(), ".deps"), "restores stay in the instance workspace")
}

func TestMatrixEnvName(t *testing.T) {
	assert.Equal(t, "MATRIX_PYTHON", MatrixEnvName("python"))
	assert.Equal(t, "MATRIX_PYTHON_VERSION", MatrixEnvName("python-version"))
	assert.Equal(t, "MATRIX_OS_NAME", MatrixEnvName("os.name"))
}
