// Package runner executes the steps of one job instance.
package runner

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/gate"
	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/shell"
	"github.com/tombee/stagehand/internal/tracing"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
	"github.com/tombee/stagehand/pkg/secrets"
)

// instancePrefix names per-instance directories under the temp root.
const instancePrefix = "stagehand-"

// StepResult records the execution of one step.
type StepResult struct {
	// Name is the step display name
	Name string `json:"name"`

	// ID is the step id, if declared
	ID string `json:"id,omitempty"`

	// Kind is the step action
	Kind pipeline.StepKind `json:"kind"`

	// Outcome is succeeded, failed or skipped
	Outcome pipeline.Outcome `json:"outcome"`

	// SkipReason explains a skipped step
	SkipReason pipeline.SkipReason `json:"skip_reason,omitempty"`

	// Detail is a human readable note, e.g. why a gate refused the step
	Detail string `json:"detail,omitempty"`

	// ExitCode is the process exit code for run steps
	ExitCode int `json:"exit_code"`

	// Output is the captured, secret-masked output
	Output string `json:"output,omitempty"`

	// Tolerated is true when a failure was ignored because the step is best-effort
	Tolerated bool `json:"tolerated,omitempty"`

	// Err is the failure, if any
	Err error `json:"-"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of running one instance.
type Result struct {
	// Outcome is Succeeded, Failed or Cancelled
	Outcome pipeline.Outcome

	// Steps holds one entry per declared step
	Steps []StepResult

	// FailedStep is the index of the first failing step that decided the
	// outcome, or -1
	FailedStep int

	// Caches holds one restore result per cache definition that resolved
	Caches []cache.Restored

	// Errors lists every error recorded for the instance, in order
	Errors []error

	StartedAt time.Time
	Duration  time.Duration
}

// CacheStatus summarises the cache restores: hit when every cache hit,
// miss when none restored anything, partial otherwise. Empty when the job
// declares no caches.
func (r *Result) CacheStatus() string {
	if len(r.Caches) == 0 {
		return ""
	}
	hits, restored := 0, 0
	for _, c := range r.Caches {
		switch c.Status {
		case cache.StatusHit:
			hits++
			restored++
		case cache.StatusPartial:
			restored++
		}
	}
	switch {
	case hits == len(r.Caches):
		return string(cache.StatusHit)
	case restored == 0:
		return string(cache.StatusMiss)
	default:
		return string(cache.StatusPartial)
	}
}

// Request describes one instance to run.
type Request struct {
	// Instance is the graph instance
	Instance *pipeline.Instance

	// Definition is the pipeline the instance belongs to
	Definition *pipeline.Definition

	// Scope is the instance evaluation scope; Success and Failure describe
	// the instance's predecessors
	Scope *expression.Scope

	// Cancelled reports whether run cancellation has been requested. Running
	// instances drain to completion; it only feeds cancelled() in step gates.
	Cancelled func() bool
}

// Config configures a Runner.
type Config struct {
	// Executor runs shell steps
	Executor shell.Executor

	// Shell is the default interpreter
	Shell string

	// InheritEnv passes the process environment to steps
	InheritEnv bool

	// SecretsByReference keeps run secrets out of the step environment;
	// steps then see a secret only through ${{ secrets.NAME }}
	SecretsByReference bool

	// TempDir is where per-instance temporary directories are created;
	// empty means the system default
	TempDir string

	// Cache restores and saves job caches; nil disables caching
	Cache *cache.Manager

	// Publisher and Dispatcher perform gated actions; nil makes those
	// steps fail
	Publisher  gate.Publisher
	Dispatcher gate.Dispatcher

	// PublishGate decides whether publish steps may run
	PublishGate gate.PublishGate

	// Masker redacts secrets from captured output
	Masker *secrets.Masker

	// Output receives each step's masked output, prefixed by instance; optional
	Output io.Writer

	Logger *slog.Logger
}

// Runner executes job instances. It is safe for concurrent use.
type Runner struct {
	config   Config
	eval     *expression.Evaluator
	dispatch gate.DispatchGate
	environ  []string
	logger   *slog.Logger

	outMu sync.Mutex
}

// New creates a Runner.
func New(cfg Config, eval *expression.Evaluator) *Runner {
	if cfg.Executor == nil {
		cfg.Executor = shell.New(shell.Config{})
	}
	if cfg.Masker == nil {
		cfg.Masker = secrets.NewMasker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if eval == nil {
		eval = expression.New()
	}
	r := &Runner{
		config: cfg,
		eval:   eval,
		logger: log.WithComponent(logger, "runner"),
	}
	if cfg.InheritEnv {
		r.environ = os.Environ()
	}
	return r
}

// WithEnviron replaces the inherited environment. Intended for tests.
func (r *Runner) WithEnviron(environ []string) *Runner {
	r.environ = environ
	return r
}

// Run executes the instance in a private copy of the run workspace. It
// restores caches into that copy, runs steps in order and saves caches from
// it after success. Scoped temporary resources are released on
// every exit path. Cancellation of ctx stops the instance at the next step
// boundary and kills a running step; the instance is then Cancelled.
func (r *Runner) Run(ctx context.Context, req Request) *Result {
	inst := req.Instance
	job := inst.Job
	logger := log.WithInstanceContext(r.logger, job.ID, inst.ID)

	result := &Result{
		Outcome:    pipeline.OutcomeSucceeded,
		FailedStep: -1,
		StartedAt:  time.Now(),
	}
	defer func() {
		result.Duration = time.Since(result.StartedAt)
	}()

	ctx, span := tracing.StartInstance(ctx, inst.ID, job.ID)
	defer func() {
		tracing.EndInstance(span, string(result.Outcome))
	}()

	runCtx := ctx
	var cancel context.CancelFunc = func() {}
	if job.TimeoutMinutes > 0 {
		runCtx, cancel = context.WithTimeout(ctx, minutes(job.TimeoutMinutes))
	}
	defer cancel()

	instDir, err := os.MkdirTemp(r.config.TempDir, instancePrefix)
	if err != nil {
		result.fail(-1, sherrors.Wrap(err, "failed to create temp dir"))
		return result
	}
	defer os.RemoveAll(instDir)

	source := req.Scope.Run.Workspace()
	if source == "" {
		source, _ = os.Getwd()
	}
	workspace, tempDir, err := r.prepareDirs(source, instDir)
	if err != nil {
		result.fail(-1, err)
		return result
	}

	env, scope, err := r.instanceEnv(req, workspace, tempDir)
	if err != nil {
		result.fail(-1, err)
		return result
	}

	r.restoreCaches(runCtx, job, scope, workspace, result)

	state := &stepState{
		scope:    scope,
		env:      env,
		dir:      workspace,
		healthy:  true,
		outcomes: make(map[string]pipeline.Outcome),
	}
	for i := range job.Steps {
		if ctx.Err() != nil {
			r.cancelRemaining(ctx, req, result, i, true)
			return result
		}
		step := &job.Steps[i]
		sr := r.runStep(ctx, runCtx, req, i, step, state)
		result.Steps = append(result.Steps, sr)
		if step.ID != "" {
			state.outcomes[step.ID] = sr.Outcome
		}

		if sr.Outcome == pipeline.OutcomeCancelled {
			result.Outcome = pipeline.OutcomeCancelled
			result.Errors = append(result.Errors, sr.Err)
			r.cancelRemaining(ctx, req, result, i+1, false)
			return result
		}
		if sr.Err != nil {
			result.Errors = append(result.Errors, sr.Err)
		}
		if sr.Outcome == pipeline.OutcomeFailed {
			metrics.RecordStepFailure(job.ID)
		}
		if sr.Outcome == pipeline.OutcomeFailed && !sr.Tolerated {
			state.healthy = false
			if result.FailedStep < 0 {
				result.FailedStep = i
			}
			result.Outcome = pipeline.OutcomeFailed
		}
	}

	if result.Outcome == pipeline.OutcomeSucceeded {
		r.saveCaches(runCtx, workspace, result)
	}

	logger.Debug("instance finished", log.OutcomeKey, result.Outcome)
	return result
}

// prepareDirs lays out an instance directory: a private copy of the run
// workspace, so concurrently running instances never share files, and the
// RUNNER_TEMP directory.
func (r *Runner) prepareDirs(source, instDir string) (workspace, tempDir string, err error) {
	workspace = filepath.Join(instDir, "work")
	tempDir = filepath.Join(instDir, "temp")
	if err := os.Mkdir(tempDir, 0o700); err != nil {
		return "", "", sherrors.Wrap(err, "failed to create temp dir")
	}

	// The temp root may live inside the workspace; never copy instance
	// directories into each other.
	tempRoot := filepath.Dir(instDir)
	skip := func(path string) bool {
		return path == tempRoot ||
			(filepath.Dir(path) == tempRoot && strings.HasPrefix(filepath.Base(path), instancePrefix))
	}
	if err := copyWorkspace(source, workspace, skip); err != nil {
		return "", "", sherrors.Wrapf(err, "failed to prepare workspace from %s", source)
	}
	return workspace, tempDir, nil
}

// fail marks the result failed with an instance-level error.
func (res *Result) fail(step int, err error) {
	res.Outcome = pipeline.OutcomeFailed
	if res.FailedStep < 0 {
		res.FailedStep = step
	}
	res.Errors = append(res.Errors, err)
}

// cancelRemaining records steps from index from onwards as skipped and
// marks the instance cancelled.
func (r *Runner) cancelRemaining(ctx context.Context, req Request, result *Result, from int, record bool) {
	job := req.Instance.Job
	for i := from; i < len(job.Steps); i++ {
		step := &job.Steps[i]
		result.Steps = append(result.Steps, StepResult{
			Name:       step.Name,
			ID:         step.ID,
			Kind:       step.Kind(),
			Outcome:    pipeline.OutcomeSkipped,
			SkipReason: pipeline.SkipReasonUpstream,
			Detail:     "run cancelled",
		})
	}
	result.Outcome = pipeline.OutcomeCancelled
	if record {
		result.Errors = append(result.Errors, &sherrors.CancellationError{
			Instance: req.Instance.ID,
			Started:  true,
			Cause:    context.Cause(ctx),
		})
	}
}

func (r *Runner) restoreCaches(ctx context.Context, job *pipeline.JobDefinition, scope *expression.Scope, workspace string, result *Result) {
	if r.config.Cache == nil {
		return
	}
	for _, def := range job.Cache {
		resolved, err := r.config.Cache.Resolve(ctx, def, scope, workspace)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		restored, err := r.config.Cache.Restore(ctx, resolved, workspace)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
		result.Caches = append(result.Caches, restored)
	}
}

func (r *Runner) saveCaches(ctx context.Context, workspace string, result *Result) {
	if r.config.Cache == nil {
		return
	}
	for _, restored := range result.Caches {
		if err := r.config.Cache.Save(ctx, restored, workspace); err != nil {
			result.Errors = append(result.Errors, err)
		}
	}
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
