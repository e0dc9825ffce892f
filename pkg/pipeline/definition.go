// Package pipeline provides the pipeline data model: definitions, matrix
// expansion and the execution graph of job instances.
//
// A definition is a YAML document with a top-level `jobs` mapping. Jobs keep
// their declaration order, which is also the order ready instances are launched
// in. Keys may be written with hyphens (`continue-on-error`) or underscores
// (`continue_on_error`). Unknown keys are rejected.
package pipeline

import (
	"fmt"
	"os"
	"regexp"

	"github.com/tombee/stagehand/pkg/errors"
	"gopkg.in/yaml.v3"
)

// jobIDPattern matches valid job identifiers.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Definition is a parsed and validated pipeline definition.
type Definition struct {
	// Name is the pipeline display name
	Name string `yaml:"name" json:"name"`

	// On lists the events the pipeline declares it runs on (informational)
	On Triggers `yaml:"on" json:"on,omitempty"`

	// Env is the run-wide environment
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// Jobs in declaration order
	Jobs Jobs `yaml:"jobs" json:"jobs"`
}

// JobDefinition describes one job in the graph.
type JobDefinition struct {
	// ID is the key of the job in the jobs mapping
	ID string `yaml:"-" json:"id"`

	// Name is the display name, defaults to ID
	Name string `yaml:"name" json:"name,omitempty"`

	// RunsOn is accepted for compatibility and otherwise ignored
	RunsOn string `yaml:"runs-on" json:"runs_on,omitempty"`

	// Needs lists the jobs this job depends on
	Needs StringList `yaml:"needs" json:"needs,omitempty"`

	// If is the job gate predicate
	If string `yaml:"if" json:"if,omitempty"`

	// Env is the job environment, layered over the run environment
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// Strategy holds the matrix and its scheduling knobs
	Strategy Strategy `yaml:"strategy" json:"strategy,omitempty"`

	// Cache lists caches restored before and saved after the job
	Cache CacheList `yaml:"cache" json:"cache,omitempty"`

	// Steps run sequentially within each instance
	Steps []StepDefinition `yaml:"steps" json:"steps"`

	// Required jobs fail the run even when skipped
	Required bool `yaml:"required" json:"required,omitempty"`

	// TimeoutMinutes bounds each instance of the job, 0 means no limit
	TimeoutMinutes float64 `yaml:"timeout-minutes" json:"timeout_minutes,omitempty"`

	// ContinueOnError keeps a failed instance from blocking dependents
	ContinueOnError bool `yaml:"continue-on-error" json:"continue_on_error,omitempty"`
}

// Strategy configures matrix expansion.
type Strategy struct {
	// Matrix axes and include/exclude adjustments
	Matrix Matrix `yaml:"matrix" json:"matrix,omitempty"`

	// FailFast cancels not-yet-started siblings after a matrix instance fails
	FailFast bool `yaml:"fail-fast" json:"fail_fast,omitempty"`

	// MaxParallel caps concurrently running instances of the job, 0 means no cap
	MaxParallel int `yaml:"max-parallel" json:"max_parallel,omitempty"`
}

// CacheDefinition describes a keyed cache for a job.
type CacheDefinition struct {
	// Path lists workspace-relative globs archived into the cache
	Path StringList `yaml:"path" json:"path"`

	// Key is the primary key template; may contain ${{ }} expressions
	Key string `yaml:"key" json:"key"`

	// RestoreKeys are prefix fallbacks tried in order on a miss
	RestoreKeys StringList `yaml:"restore-keys" json:"restore_keys,omitempty"`

	// HashFiles lists globs whose contents are fingerprinted into the key
	HashFiles StringList `yaml:"hash-files" json:"hash_files,omitempty"`
}

// ParseDefinition parses and validates a pipeline definition from YAML bytes.
// It either returns a fully valid definition or a *errors.DefinitionError.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, asDefinitionError(err)
	}

	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	return ParseDefinition(data)
}

// ApplyDefaults fills display names.
func (d *Definition) ApplyDefaults() {
	for _, job := range d.Jobs {
		if job.Name == "" {
			job.Name = job.ID
		}
		for i := range job.Steps {
			if job.Steps[i].Name == "" {
				job.Steps[i].Name = job.Steps[i].defaultName(i)
			}
		}
	}
}

// Job returns the job with the given ID.
func (d *Definition) Job(id string) (*JobDefinition, bool) {
	for _, job := range d.Jobs {
		if job.ID == id {
			return job, true
		}
	}
	return nil, false
}

// Subset returns a copy of the definition restricted to the named jobs and
// everything they transitively need, in the original declaration order.
func (d *Definition) Subset(ids []string) (*Definition, error) {
	keep := make(map[string]bool)
	var visit func(id string) error
	visit = func(id string) error {
		if keep[id] {
			return nil
		}
		job, ok := d.Job(id)
		if !ok {
			return &errors.NotFoundError{Resource: "job", ID: id}
		}
		keep[id] = true
		for _, need := range job.Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	sub := *d
	sub.Jobs = nil
	for _, job := range d.Jobs {
		if keep[job.ID] {
			sub.Jobs = append(sub.Jobs, job)
		}
	}
	return &sub, nil
}

// asDefinitionError converts YAML decode failures into a DefinitionError.
func asDefinitionError(err error) error {
	var defErr *errors.DefinitionError
	if errors.As(err, &defErr) {
		return defErr
	}
	return &errors.DefinitionError{Message: err.Error(), Cause: err}
}
