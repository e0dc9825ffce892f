// Package scheduler drives a pipeline run: it resolves job instances in
// dependency order, applies instance gates and runs eligible instances on a
// bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/stagehand/internal/log"
	"github.com/tombee/stagehand/internal/metrics"
	"github.com/tombee/stagehand/internal/runner"
	"github.com/tombee/stagehand/internal/tracing"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// SkipPolicy decides whether a predecessor skipped by its own predicate
// satisfies its dependents. Predecessors skipped because of upstream
// failures always block.
type SkipPolicy string

const (
	// SkipSatisfies treats condition skips as satisfied dependencies.
	SkipSatisfies SkipPolicy = "satisfies"

	// SkipPropagates treats every skipped predecessor as blocking.
	SkipPropagates SkipPolicy = "propagates"
)

// DefaultDrainTimeout is how long running instances may finish after
// cancellation before they are killed.
const DefaultDrainTimeout = 30 * time.Second

// InstanceRunner executes one instance.
type InstanceRunner interface {
	Run(ctx context.Context, req runner.Request) *runner.Result
}

// Options configures a Scheduler.
type Options struct {
	// RunID identifies the run; generated when empty
	RunID string

	// MaxParallel bounds concurrently running instances (default NumCPU)
	MaxParallel int

	// FailFast stops launching instances after the first failure and
	// cancels everything not yet started
	FailFast bool

	// SkipPolicy defaults to SkipSatisfies
	SkipPolicy SkipPolicy

	// DrainTimeout bounds how long running instances may continue after
	// cancellation; zero or less kills them immediately
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Record is the final state of one instance.
type Record struct {
	Instance   *pipeline.Instance
	Outcome    pipeline.Outcome
	SkipReason pipeline.SkipReason

	// Tolerated is set when the instance failed but its job is continue-on-error
	Tolerated bool

	// Result is set for instances that ran
	Result *runner.Result

	// Errors holds scheduler-level errors (gate predicate, cancellation)
	// followed by the runner's errors
	Errors []error

	StartedAt time.Time
	Duration  time.Duration
}

// RunResult is the outcome of a whole run. Records is aligned with
// Graph.Instances.
type RunResult struct {
	RunID     string
	Graph     *pipeline.Graph
	Records   []*Record
	Cancelled bool
	StartedAt time.Time
	Duration  time.Duration
}

// Scheduler runs one execution graph. A Scheduler is single-use.
type Scheduler struct {
	graph  *pipeline.Graph
	run    pipeline.RunContext
	runner InstanceRunner
	eval   *expression.Evaluator
	opts   Options
	logger *slog.Logger

	// Owned by the Run goroutine.
	records    []*Record
	remaining  []int
	ready      readyQueue
	running    int
	jobRunning map[string]int
	cancelled  bool
	stopped    bool

	// cancelFlag mirrors cancelled for running workers
	cancelFlag atomic.Bool
}

// New creates a Scheduler for graph.
func New(graph *pipeline.Graph, run pipeline.RunContext, r InstanceRunner, eval *expression.Evaluator, opts Options) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = runtime.NumCPU()
	}
	if opts.SkipPolicy == "" {
		opts.SkipPolicy = SkipSatisfies
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if eval == nil {
		eval = expression.New()
	}
	name := ""
	if graph.Definition != nil {
		name = graph.Definition.Name
	}
	return &Scheduler{
		graph:      graph,
		run:        run,
		runner:     r,
		eval:       eval,
		opts:       opts,
		logger:     log.WithRunContext(log.WithComponent(logger, "scheduler"), opts.RunID, name),
		jobRunning: make(map[string]int),
	}
}

type work struct {
	index int
	req   runner.Request
}

type completion struct {
	index  int
	result *runner.Result
}

// Run executes the graph until every instance is terminal. Cancelling ctx
// cancels pending instances at once and lets running instances drain for
// DrainTimeout before killing them.
func (s *Scheduler) Run(ctx context.Context) *RunResult {
	start := time.Now()
	result := &RunResult{RunID: s.opts.RunID, Graph: s.graph, StartedAt: start}

	ctx, span := tracing.StartRun(ctx, s.opts.RunID, result.pipelineName())

	// Workers outlive run cancellation until the drain timeout.
	workCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	n := s.graph.Len()
	s.records = make([]*Record, n)
	s.remaining = make([]int, n)
	for i, inst := range s.graph.Instances {
		s.records[i] = &Record{Instance: inst, Outcome: pipeline.OutcomePending}
		s.remaining[i] = len(inst.Preds)
	}

	workers := s.opts.MaxParallel
	if workers > n {
		workers = n
	}
	jobs := make(chan work)
	done := make(chan completion, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for wk := range jobs {
				res := s.runner.Run(workCtx, wk.req)
				done <- completion{index: wk.index, result: res}
			}
		}()
	}
	defer close(jobs)

	s.logger.Info("run started", "instances", n, "max_parallel", s.opts.MaxParallel)

	for i := range s.graph.Instances {
		if s.remaining[i] == 0 {
			s.becomeEligible(i)
		}
	}

	runDone := ctx.Done()
	var drain <-chan time.Time
	for {
		s.launch(jobs)
		if s.running == 0 {
			break
		}

		select {
		case c := <-done:
			s.complete(c)
		case <-runDone:
			runDone = nil
			s.cancelRun(context.Cause(ctx))
			if s.opts.DrainTimeout <= 0 {
				hardCancel()
			} else {
				timer := time.NewTimer(s.opts.DrainTimeout)
				defer timer.Stop()
				drain = timer.C
			}
		case <-drain:
			drain = nil
			s.logger.Warn("drain timeout elapsed, killing running instances", "running", s.running)
			hardCancel()
		}
	}

	result.Records = s.records
	result.Cancelled = s.cancelled
	result.Duration = time.Since(start)

	outcome := "succeeded"
	for _, rec := range s.records {
		if (rec.Outcome == pipeline.OutcomeFailed && !rec.Tolerated) || rec.Outcome == pipeline.OutcomeCancelled {
			outcome = "failed"
			break
		}
	}
	if s.cancelled {
		outcome = "cancelled"
	}
	metrics.RecordRun(outcome)
	tracing.EndRun(span, outcome)
	s.logger.Info("run finished", log.OutcomeKey, outcome, log.DurationKey, result.Duration.Milliseconds())
	return result
}

func (r *RunResult) pipelineName() string {
	if r.Graph.Definition == nil {
		return ""
	}
	return r.Graph.Definition.Name
}

// launch starts ready instances in order while capacity allows. Instances
// held back by their job's max-parallel stay queued.
func (s *Scheduler) launch(jobs chan<- work) {
	if s.stopped || s.ready.Len() == 0 {
		return
	}
	var held []int
	for _, id := range s.ready.drain() {
		inst := s.graph.Instances[id]
		limit := inst.Job.Strategy.MaxParallel
		if s.running >= s.opts.MaxParallel || (limit > 0 && s.jobRunning[inst.Job.ID] >= limit) {
			held = append(held, id)
			continue
		}
		s.start(id, jobs)
	}
	for _, id := range held {
		s.ready.push(id)
	}
}

func (s *Scheduler) start(idx int, jobs chan<- work) {
	inst := s.graph.Instances[idx]
	rec := s.records[idx]
	rec.Outcome = pipeline.OutcomeRunning
	rec.StartedAt = time.Now()
	s.running++
	s.jobRunning[inst.Job.ID]++

	s.instanceLogger(inst).Info("instance started")
	jobs <- work{index: idx, req: runner.Request{
		Instance:   inst,
		Definition: s.graph.Definition,
		Scope:      s.scope(idx),
		Cancelled:  s.cancelFlag.Load,
	}}
}

func (s *Scheduler) complete(c completion) {
	inst := s.graph.Instances[c.index]
	rec := s.records[c.index]
	s.running--
	s.jobRunning[inst.Job.ID]--

	rec.Result = c.result
	rec.Outcome = c.result.Outcome
	rec.Duration = time.Since(rec.StartedAt)
	rec.Errors = append(rec.Errors, c.result.Errors...)
	if rec.Outcome == pipeline.OutcomeFailed && inst.Job.ContinueOnError {
		rec.Tolerated = true
	}

	metrics.RecordInstance(inst.Job.ID, string(rec.Outcome), rec.Duration)
	s.instanceLogger(inst).Info("instance finished",
		log.OutcomeKey, rec.Outcome,
		log.DurationKey, rec.Duration.Milliseconds())

	s.resolve(c.index)
	if rec.Outcome == pipeline.OutcomeFailed && !rec.Tolerated {
		s.onFailure(inst)
	}
}

// onFailure applies run-level and job-level fail-fast.
func (s *Scheduler) onFailure(inst *pipeline.Instance) {
	switch {
	case s.opts.FailFast:
		if !s.stopped {
			s.logger.Warn("fail-fast: cancelling instances not yet started", log.InstanceKey, inst.ID)
			s.stopped = true
			s.cancelPending(nil, func(*pipeline.Instance) bool { return true })
		}
	case inst.Job.Strategy.FailFast:
		s.logger.Warn("fail-fast: cancelling remaining matrix instances", log.JobIDKey, inst.Job.ID)
		s.cancelPending(nil, func(other *pipeline.Instance) bool { return other.Job == inst.Job })
	}
}

// cancelRun handles run cancellation: nothing new starts and every pending
// instance becomes Cancelled.
func (s *Scheduler) cancelRun(cause error) {
	s.logger.Warn("run cancelled", "running", s.running)
	s.cancelled = true
	s.cancelFlag.Store(true)
	s.stopped = true
	s.cancelPending(cause, func(*pipeline.Instance) bool { return true })
}

// cancelPending cancels every instance that has not started and matches.
func (s *Scheduler) cancelPending(cause error, match func(*pipeline.Instance) bool) {
	var requeue []int
	for _, idx := range s.ready.drain() {
		if !match(s.graph.Instances[idx]) {
			requeue = append(requeue, idx)
		}
	}
	for _, idx := range requeue {
		s.ready.push(idx)
	}

	for idx, rec := range s.records {
		if rec.Outcome != pipeline.OutcomePending || !match(rec.Instance) {
			continue
		}
		rec.Outcome = pipeline.OutcomeCancelled
		rec.Errors = append(rec.Errors, &sherrors.CancellationError{Instance: rec.Instance.ID, Cause: cause})
		metrics.RecordInstance(rec.Instance.Job.ID, string(rec.Outcome), 0)
		s.resolve(idx)
	}
}

// resolve propagates a terminal instance to its successors.
func (s *Scheduler) resolve(idx int) {
	for _, succ := range s.graph.Instances[idx].Succs {
		s.remaining[succ]--
		if s.remaining[succ] == 0 && s.records[succ].Outcome == pipeline.OutcomePending {
			s.becomeEligible(succ)
		}
	}
}

// becomeEligible evaluates the gate of an instance whose predecessors are
// all terminal. Skipped and failed-gate instances resolve immediately.
func (s *Scheduler) becomeEligible(idx int) {
	inst := s.graph.Instances[idx]
	rec := s.records[idx]
	logger := s.instanceLogger(inst)

	if s.stopped {
		return
	}

	decision, err := s.eval.Gate(inst.Job.If, s.scope(idx))
	if err != nil {
		rec.Outcome = pipeline.OutcomeFailed
		rec.Errors = append(rec.Errors, instancePredicateError(err, inst))
		metrics.RecordInstance(inst.Job.ID, string(rec.Outcome), 0)
		logger.Warn("instance predicate failed", log.Error(err))
		s.resolve(idx)
		if !inst.Job.ContinueOnError {
			s.onFailure(inst)
		} else {
			rec.Tolerated = true
		}
		return
	}
	if !decision.Run {
		rec.Outcome = pipeline.OutcomeSkipped
		rec.SkipReason = decision.Reason
		metrics.RecordInstance(inst.Job.ID, string(rec.Outcome), 0)
		logger.Info("instance skipped", "reason", decision.Reason)
		s.resolve(idx)
		return
	}
	s.ready.push(idx)
}

// scope builds the evaluation scope for an instance from its predecessors.
func (s *Scheduler) scope(idx int) *expression.Scope {
	inst := s.graph.Instances[idx]
	needs := make(map[string]pipeline.Outcome, len(inst.Job.Needs))
	for _, job := range inst.Job.Needs {
		var outcomes []pipeline.Outcome
		for _, p := range s.graph.JobInstances(job) {
			outcomes = append(outcomes, s.records[p].Outcome)
		}
		needs[job] = expression.AggregateOutcome(outcomes)
	}

	success, failure := true, false
	for _, p := range inst.Preds {
		rec := s.records[p]
		if !s.satisfied(rec) {
			success = false
		}
		if (rec.Outcome == pipeline.OutcomeFailed && !rec.Tolerated) ||
			(rec.Outcome == pipeline.OutcomeSkipped && rec.SkipReason == pipeline.SkipReasonUpstream) {
			failure = true
		}
	}

	env := make(map[string]string)
	if s.graph.Definition != nil {
		for k, v := range s.graph.Definition.Env {
			env[k] = v
		}
	}
	for k, v := range inst.Job.Env {
		env[k] = v
	}

	return &expression.Scope{
		Run:       s.run,
		Matrix:    inst.Matrix,
		Env:       env,
		Needs:     needs,
		Success:   success,
		Failure:   failure,
		Cancelled: s.cancelled,
	}
}

// satisfied reports whether a terminal predecessor lets dependents run
// without an explicit status function.
func (s *Scheduler) satisfied(rec *Record) bool {
	switch rec.Outcome {
	case pipeline.OutcomeSucceeded:
		return true
	case pipeline.OutcomeFailed:
		return rec.Tolerated
	case pipeline.OutcomeSkipped:
		return rec.SkipReason == pipeline.SkipReasonCondition && s.opts.SkipPolicy == SkipSatisfies
	}
	return false
}

func (s *Scheduler) instanceLogger(inst *pipeline.Instance) *slog.Logger {
	return log.WithInstanceContext(s.logger, inst.Job.ID, inst.ID)
}

func instancePredicateError(err error, inst *pipeline.Instance) error {
	var pe *sherrors.PredicateError
	if !errors.As(err, &pe) {
		pe = &sherrors.PredicateError{Expression: inst.Job.If, Cause: err}
	}
	pe.Instance = inst.ID
	return pe
}
