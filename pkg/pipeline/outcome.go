package pipeline

// Outcome is the lifecycle state of a job instance or step.
type Outcome string

const (
	// OutcomePending means the instance has not been decided yet.
	OutcomePending Outcome = "pending"

	// OutcomeSkipped means the instance was decided not to run.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeRunning means the instance is executing steps.
	OutcomeRunning Outcome = "running"

	// OutcomeSucceeded means every non-best-effort step succeeded.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means a step or the gate predicate failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeCancelled means the run was cancelled before the instance finished.
	OutcomeCancelled Outcome = "cancelled"
)

// IsTerminal reports whether the outcome is final.
func (o Outcome) IsTerminal() bool {
	switch o {
	case OutcomeSkipped, OutcomeSucceeded, OutcomeFailed, OutcomeCancelled:
		return true
	}
	return false
}

// SkipReason explains why an instance or step was skipped.
type SkipReason string

const (
	// SkipReasonNone is used for outcomes other than skipped.
	SkipReasonNone SkipReason = ""

	// SkipReasonCondition means the instance's own predicate was false.
	SkipReasonCondition SkipReason = "condition"

	// SkipReasonUpstream means a predecessor failed, was cancelled, or was itself blocked.
	SkipReasonUpstream SkipReason = "upstream"

	// SkipReasonGate means a publish or dispatch gate did not pass.
	SkipReasonGate SkipReason = "gate"
)
