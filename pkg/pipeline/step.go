package pipeline

import (
	"fmt"
	"strings"
)

// StepKind identifies which action a step performs.
type StepKind string

const (
	// StepKindRun executes a shell command.
	StepKindRun StepKind = "run"

	// StepKindPublish uploads artifacts to a registry; gated on release tags.
	StepKindPublish StepKind = "publish"

	// StepKindDispatch triggers an event in another repository; gated on branch.
	StepKindDispatch StepKind = "dispatch"
)

// StepDefinition describes one step of a job. Exactly one of Run, Publish
// and Dispatch is set.
type StepDefinition struct {
	// Name is the display name
	Name string `yaml:"name" json:"name"`

	// ID optionally identifies the step for `steps.<id>` references
	ID string `yaml:"id" json:"id,omitempty"`

	// Run is the shell script for run steps
	Run string `yaml:"run" json:"run,omitempty"`

	// Shell overrides the interpreter (default "sh")
	Shell string `yaml:"shell" json:"shell,omitempty"`

	// Env is layered over the job environment for this step only
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// If is the step gate predicate
	If string `yaml:"if" json:"if,omitempty"`

	// ContinueOnError marks the step best-effort
	ContinueOnError bool `yaml:"continue-on-error" json:"continue_on_error,omitempty"`

	// WorkingDirectory is relative to the workspace
	WorkingDirectory string `yaml:"working-directory" json:"working_directory,omitempty"`

	// TimeoutMinutes bounds the step, 0 means no limit
	TimeoutMinutes float64 `yaml:"timeout-minutes" json:"timeout_minutes,omitempty"`

	// Publish is set for publish steps
	Publish *PublishAction `yaml:"publish" json:"publish,omitempty"`

	// Dispatch is set for dispatch steps
	Dispatch *DispatchAction `yaml:"dispatch" json:"dispatch,omitempty"`
}

// PublishAction uploads build artifacts.
type PublishAction struct {
	// Artifacts lists workspace-relative globs to upload
	Artifacts StringList `yaml:"artifacts" json:"artifacts"`

	// Registry names the target registry (passed through to the publisher)
	Registry string `yaml:"registry" json:"registry,omitempty"`
}

// DispatchAction triggers a repository dispatch event.
type DispatchAction struct {
	// Repository is the target in owner/name form
	Repository string `yaml:"repository" json:"repository"`

	// EventType is the dispatched event type
	EventType string `yaml:"event-type" json:"event_type"`

	// Branch restricts dispatch to runs on this branch; empty means any
	Branch string `yaml:"branch" json:"branch,omitempty"`

	// Payload is sent as the client payload; values may contain ${{ }} expressions
	Payload map[string]string `yaml:"payload" json:"payload,omitempty"`
}

// Kind returns the action variant of the step.
func (s *StepDefinition) Kind() StepKind {
	switch {
	case s.Publish != nil:
		return StepKindPublish
	case s.Dispatch != nil:
		return StepKindDispatch
	default:
		return StepKindRun
	}
}

func (s *StepDefinition) actionCount() int {
	n := 0
	if s.Run != "" {
		n++
	}
	if s.Publish != nil {
		n++
	}
	if s.Dispatch != nil {
		n++
	}
	return n
}

func (s *StepDefinition) defaultName(index int) string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Publish != nil:
		return "publish"
	case s.Dispatch != nil:
		return "dispatch " + s.Dispatch.EventType
	}
	line := strings.TrimSpace(s.Run)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		return fmt.Sprintf("step %d", index+1)
	}
	if len(line) > 60 {
		line = line[:57] + "..."
	}
	return "Run " + line
}
