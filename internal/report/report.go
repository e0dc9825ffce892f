// Package report summarises a finished run for humans and machines.
package report

import (
	"time"
	"unicode/utf8"

	"github.com/tombee/stagehand/internal/scheduler"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/secrets"
)

// DefaultMaxOutputBytes is how much of a failing step's output is kept.
const DefaultMaxOutputBytes = 4096

// Report is the summary of one run.
type Report struct {
	RunID      string           `json:"run_id"`
	Pipeline   string           `json:"pipeline,omitempty"`
	Outcome    pipeline.Outcome `json:"outcome"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
	Instances  []InstanceReport `json:"instances"`
}

// InstanceReport is one summary row.
type InstanceReport struct {
	Job        string              `json:"job"`
	Instance   string              `json:"instance"`
	Matrix     map[string]string   `json:"matrix,omitempty"`
	Outcome    pipeline.Outcome    `json:"outcome"`
	SkipReason pipeline.SkipReason `json:"skip_reason,omitempty"`
	Required   bool                `json:"required,omitempty"`
	Tolerated  bool                `json:"tolerated,omitempty"`
	DurationMS int64               `json:"duration_ms"`

	// MatrixValues is the matrix tuple in axis declaration order
	MatrixValues pipeline.MatrixValues `json:"matrix_values,omitempty"`

	// StartOffsetMS is when the instance started, relative to the run
	StartOffsetMS int64 `json:"start_offset_ms,omitempty"`

	// Cache is hit, partial or miss; empty when the job has no caches
	Cache string `json:"cache,omitempty"`

	// FailedStep and Output describe the step that decided a non-success outcome
	FailedStep string `json:"failed_step,omitempty"`
	Output     string `json:"output,omitempty"`
	Truncated  bool   `json:"output_truncated,omitempty"`

	Errors []ErrorReport `json:"errors,omitempty"`
	Steps  []StepReport  `json:"steps,omitempty"`
}

// ErrorReport is one recorded error, labelled with its category
// (predicate, step, cache, cancelled, timeout, ...).
type ErrorReport struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StepReport is the state of one step of an instance that ran.
type StepReport struct {
	Name       string              `json:"name"`
	Outcome    pipeline.Outcome    `json:"outcome"`
	SkipReason pipeline.SkipReason `json:"skip_reason,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	ExitCode   int                 `json:"exit_code,omitempty"`
	DurationMS int64               `json:"duration_ms"`
}

// Options controls report construction.
type Options struct {
	// MaxOutputBytes keeps the tail of failing output (default 4096)
	MaxOutputBytes int

	// Masker redacts secrets from output and error text
	Masker *secrets.Masker
}

// Build summarises a run result.
func Build(res *scheduler.RunResult, opts Options) *Report {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.Masker == nil {
		opts.Masker = secrets.NewMasker()
	}

	r := &Report{
		RunID:      res.RunID,
		Cancelled:  res.Cancelled,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
		Instances:  make([]InstanceReport, 0, len(res.Records)),
	}
	if res.Graph != nil && res.Graph.Definition != nil {
		r.Pipeline = res.Graph.Definition.Name
	}

	for _, rec := range res.Records {
		row := buildInstance(rec, opts)
		if !rec.StartedAt.IsZero() && !res.StartedAt.IsZero() {
			row.StartOffsetMS = rec.StartedAt.Sub(res.StartedAt).Milliseconds()
		}
		r.Instances = append(r.Instances, row)
	}
	r.Outcome = Overall(r.Instances)
	return r
}

// Overall is Succeeded when every instance succeeded, was a tolerated
// failure, or was skipped without being required.
func Overall(rows []InstanceReport) pipeline.Outcome {
	for _, row := range rows {
		switch row.Outcome {
		case pipeline.OutcomeSucceeded:
		case pipeline.OutcomeSkipped:
			if row.Required {
				return pipeline.OutcomeFailed
			}
		case pipeline.OutcomeFailed:
			if !row.Tolerated {
				return pipeline.OutcomeFailed
			}
		default:
			return pipeline.OutcomeFailed
		}
	}
	return pipeline.OutcomeSucceeded
}

func buildInstance(rec *scheduler.Record, opts Options) InstanceReport {
	inst := rec.Instance
	row := InstanceReport{
		Job:        inst.Job.ID,
		Instance:   inst.ID,
		Outcome:    rec.Outcome,
		SkipReason: rec.SkipReason,
		Required:   inst.Job.Required,
		Tolerated:  rec.Tolerated,
		DurationMS: rec.Duration.Milliseconds(),
	}
	if len(inst.Matrix) > 0 {
		row.Matrix = inst.Matrix.Map()
		row.MatrixValues = append(pipeline.MatrixValues(nil), inst.Matrix...)
	}

	seen := make(map[string]bool)
	addErr := func(err error) {
		if err == nil {
			return
		}
		msg := opts.Masker.Mask(err.Error())
		if !seen[msg] {
			seen[msg] = true
			row.Errors = append(row.Errors, ErrorReport{Type: sherrors.Classify(err), Message: msg})
		}
	}
	for _, err := range rec.Errors {
		addErr(err)
	}

	res := rec.Result
	if res == nil {
		return row
	}
	row.Cache = res.CacheStatus()
	for _, sr := range res.Steps {
		row.Steps = append(row.Steps, StepReport{
			Name:       sr.Name,
			Outcome:    sr.Outcome,
			SkipReason: sr.SkipReason,
			Detail:     sr.Detail,
			ExitCode:   sr.ExitCode,
			DurationMS: sr.Duration.Milliseconds(),
		})
	}

	if rec.Outcome == pipeline.OutcomeSucceeded {
		return row
	}
	step := res.FailedStep
	if step < 0 {
		for i, sr := range res.Steps {
			if sr.Outcome == pipeline.OutcomeCancelled {
				step = i
				break
			}
		}
	}
	if step >= 0 && step < len(res.Steps) {
		sr := res.Steps[step]
		row.FailedStep = sr.Name
		row.Output, row.Truncated = Tail(opts.Masker.Mask(sr.Output), opts.MaxOutputBytes)
	}
	return row
}

// Tail keeps the last max bytes of s, starting at a line boundary when one
// exists within the kept region.
func Tail(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := s[len(s)-max:]
	for i := 0; i < len(cut); i++ {
		if cut[i] == '\n' && i+1 < len(cut) {
			return cut[i+1:], true
		}
	}
	for len(cut) > 0 && !utf8.RuneStart(cut[0]) {
		cut = cut[1:]
	}
	return cut, true
}
