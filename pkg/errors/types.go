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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid flags, malformed run context values, or constraint violations
// that are not tied to a pipeline definition.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "run", "cache entry")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "cache.backend")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when a step or job exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step build", "job test")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// DefinitionError reports a malformed pipeline definition.
// It is fatal: no instance runs when a definition fails to load.
type DefinitionError struct {
	// Job is the job the problem was found in, empty for top-level problems
	Job string

	// Field is the offending field (e.g., "needs", "strategy.matrix.python")
	Field string

	// Message is the human-readable error description
	Message string

	// Line is the 1-based line of the offending node, 0 when unknown
	Line int

	// Cause is the underlying parse error (if any)
	Cause error
}

// Error implements the error interface.
func (e *DefinitionError) Error() string {
	loc := "definition"
	switch {
	case e.Job != "" && e.Field != "":
		loc = fmt.Sprintf("job %q field %s", e.Job, e.Field)
	case e.Job != "":
		loc = fmt.Sprintf("job %q", e.Job)
	case e.Field != "":
		loc = fmt.Sprintf("field %s", e.Field)
	}
	if e.Line > 0 {
		loc = fmt.Sprintf("%s (line %d)", loc, e.Line)
	}
	return fmt.Sprintf("invalid %s: %s", loc, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DefinitionError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError.
func (e *DefinitionError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *DefinitionError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *DefinitionError) Suggestion() string {
	return "Run 'stagehand validate' on the definition to see every problem"
}

// PredicateError reports an `if` expression that failed to compile or evaluate.
// It is scoped to the owning instance or step; the run continues.
type PredicateError struct {
	// Instance is the job instance whose predicate failed
	Instance string

	// Step is set when the predicate belongs to a step
	Step string

	// Expression is the predicate source
	Expression string

	// Cause is the compile or runtime error
	Cause error
}

// Error implements the error interface.
func (e *PredicateError) Error() string {
	owner := e.Instance
	if e.Step != "" {
		owner = fmt.Sprintf("%s step %q", e.Instance, e.Step)
	}
	if owner == "" {
		return fmt.Sprintf("predicate %q: %v", e.Expression, e.Cause)
	}
	return fmt.Sprintf("predicate %q on %s: %v", e.Expression, owner, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PredicateError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *PredicateError) ErrorType() string { return "predicate" }

// IsRetryable implements ErrorClassifier.
func (e *PredicateError) IsRetryable() bool { return false }

// StepFailure reports a step that exited non-zero or could not be started.
type StepFailure struct {
	// Step is the step name
	Step string

	// ExitCode is the process exit code, -1 when the process never ran
	ExitCode int

	// Output is the captured (already masked) step output
	Output string

	// Cause is set when the executor itself failed
	Cause error
}

// Error implements the error interface.
func (e *StepFailure) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepFailure) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StepFailure) ErrorType() string { return "step" }

// IsRetryable implements ErrorClassifier.
func (e *StepFailure) IsRetryable() bool { return false }

// CacheError reports a cache store failure. Cache errors degrade to a miss
// and never fail an instance on their own.
type CacheError struct {
	// Op is the failed operation ("restore", "save", "fingerprint")
	Op string

	// Key is the cache key involved
	Key string

	// Cause is the underlying store error
	Cause error
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *CacheError) ErrorType() string { return "cache" }

// IsRetryable implements ErrorClassifier.
func (e *CacheError) IsRetryable() bool { return true }

// CancellationError records that an instance did not finish because the run was cancelled.
type CancellationError struct {
	// Instance is the affected instance
	Instance string

	// Started is true when the instance was running at cancellation time
	Started bool

	// Cause is the context error
	Cause error
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	if e.Started {
		return fmt.Sprintf("%s cancelled while running", e.Instance)
	}
	return fmt.Sprintf("%s cancelled before start", e.Instance)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CancellationError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *CancellationError) ErrorType() string { return "cancelled" }

// IsRetryable implements ErrorClassifier.
func (e *CancellationError) IsRetryable() bool { return true }
