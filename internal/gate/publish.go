package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/stagehand/internal/shell"
)

// PublishRequest describes one publish step.
type PublishRequest struct {
	// Artifacts are resolved workspace-relative paths
	Artifacts []string

	// Registry is passed through from the step definition
	Registry string

	// Dir is the workspace
	Dir string

	// Env is the step environment in KEY=VALUE form
	Env []string
}

// Publisher uploads artifacts to a registry.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (output string, err error)
}

// ResolveArtifacts expands artifact globs relative to dir. It fails when a
// pattern matches nothing.
func ResolveArtifacts(dir string, patterns []string) ([]string, error) {
	fsys := os.DirFS(dir)
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("artifact pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("artifact pattern %q matched no files", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// HookPublisher publishes by running a configured command with the
// artifact list in PUBLISH_ARTIFACTS (newline separated) and the registry
// in PUBLISH_REGISTRY.
type HookPublisher struct {
	Command  string
	Shell    string
	Executor shell.Executor
}

// Publish implements Publisher.
func (p *HookPublisher) Publish(ctx context.Context, req PublishRequest) (string, error) {
	if p.Command == "" {
		return "", fmt.Errorf("no publish command configured (set publish.command)")
	}
	env := append(append([]string{}, req.Env...),
		"PUBLISH_ARTIFACTS="+strings.Join(req.Artifacts, "\n"),
		"PUBLISH_REGISTRY="+req.Registry,
	)
	res, err := p.Executor.Execute(ctx, shell.Command{
		Name:   "publish",
		Script: p.Command,
		Shell:  p.Shell,
		Dir:    req.Dir,
		Env:    env,
	})
	if err != nil {
		return res.Output, err
	}
	if res.ExitCode != 0 {
		return res.Output, fmt.Errorf("publish command exited with code %d", res.ExitCode)
	}
	return res.Output, nil
}
