// Package gate guards privileged step actions: publishing artifacts and
// dispatching events to other repositories.
package gate

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/stagehand/pkg/pipeline"
)

// DefaultTagPattern matches release tags.
const DefaultTagPattern = "refs/tags/v*"

// PublishGate allows publish steps only for pushes of release tags.
type PublishGate struct {
	// TagPattern is a doublestar glob matched against the full ref
	TagPattern string
}

// Allow reports whether a publish step may run in the given run context.
// When it may not, reason explains why.
func (g PublishGate) Allow(run pipeline.RunContext) (ok bool, reason string) {
	pattern := g.TagPattern
	if pattern == "" {
		pattern = DefaultTagPattern
	}
	if run.Event() != "push" {
		return false, fmt.Sprintf("publish requires a push event, got %q", run.Event())
	}
	matched, err := doublestar.Match(pattern, run.Ref())
	if err != nil {
		return false, fmt.Sprintf("invalid tag pattern %q: %v", pattern, err)
	}
	if !matched {
		return false, fmt.Sprintf("ref %q does not match release tag pattern %q", run.Ref(), pattern)
	}
	return true, ""
}

// DispatchGate allows dispatch steps only on the configured branch.
type DispatchGate struct{}

// Allow reports whether a dispatch step restricted to branch may run.
// An empty branch allows any ref.
func (DispatchGate) Allow(run pipeline.RunContext, branch string) (ok bool, reason string) {
	if branch == "" {
		return true, ""
	}
	if run.Branch() != branch {
		return false, fmt.Sprintf("dispatch requires branch %q, ref is %q", branch, run.Ref())
	}
	return true, ""
}
