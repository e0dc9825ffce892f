package pipeline

import (
	"sort"
	"strings"
)

// SecretEnvPrefix marks environment variables loaded as secrets.
const SecretEnvPrefix = "STAGEHAND_SECRET_"

// RunContext describes what triggered a run. It is immutable once built;
// accessors return copies.
type RunContext struct {
	event      string
	ref        string
	sha        string
	repository string
	actor      string
	workspace  string
	secrets    map[string]string
}

// RunContextOptions holds the inputs to NewRunContext.
type RunContextOptions struct {
	Event      string
	Ref        string
	SHA        string
	Repository string
	Actor      string
	Workspace  string
	Secrets    map[string]string
}

// NewRunContext builds an immutable run context.
func NewRunContext(opts RunContextOptions) RunContext {
	secrets := make(map[string]string, len(opts.Secrets))
	for k, v := range opts.Secrets {
		secrets[k] = v
	}
	return RunContext{
		event:      opts.Event,
		ref:        opts.Ref,
		sha:        opts.SHA,
		repository: opts.Repository,
		actor:      opts.Actor,
		workspace:  opts.Workspace,
		secrets:    secrets,
	}
}

// RunContextFromEnv reads the run context from environment variables.
// STAGEHAND_* variables take precedence over the GITHUB_* equivalents, and
// STAGEHAND_SECRET_<NAME> variables become secrets named <NAME>.
func RunContextFromEnv(environ []string) RunContextOptions {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := env[k]; v != "" {
				return v
			}
		}
		return ""
	}

	opts := RunContextOptions{
		Event:      first("STAGEHAND_EVENT", "GITHUB_EVENT_NAME"),
		Ref:        first("STAGEHAND_REF", "GITHUB_REF"),
		SHA:        first("STAGEHAND_SHA", "GITHUB_SHA"),
		Repository: first("STAGEHAND_REPOSITORY", "GITHUB_REPOSITORY"),
		Actor:      first("STAGEHAND_ACTOR", "GITHUB_ACTOR"),
		Workspace:  first("STAGEHAND_WORKSPACE", "GITHUB_WORKSPACE"),
		Secrets:    make(map[string]string),
	}
	for k, v := range env {
		if name, ok := strings.CutPrefix(k, SecretEnvPrefix); ok && name != "" {
			opts.Secrets[name] = v
		}
	}
	return opts
}

// Event returns the trigger event name, e.g. "push".
func (c RunContext) Event() string { return c.event }

// Ref returns the full git ref, e.g. "refs/tags/v1.0".
func (c RunContext) Ref() string { return c.ref }

// SHA returns the commit being built.
func (c RunContext) SHA() string { return c.sha }

// Repository returns the owner/name of the repository.
func (c RunContext) Repository() string { return c.repository }

// Actor returns who triggered the run.
func (c RunContext) Actor() string { return c.actor }

// Workspace returns the directory steps run in.
func (c RunContext) Workspace() string { return c.workspace }

// Branch returns the branch name when Ref is a branch ref.
func (c RunContext) Branch() string {
	b, ok := strings.CutPrefix(c.ref, "refs/heads/")
	if !ok {
		return ""
	}
	return b
}

// Tag returns the tag name when Ref is a tag ref.
func (c RunContext) Tag() string {
	t, ok := strings.CutPrefix(c.ref, "refs/tags/")
	if !ok {
		return ""
	}
	return t
}

// RefName returns the short branch or tag name, or the ref itself.
func (c RunContext) RefName() string {
	if b := c.Branch(); b != "" {
		return b
	}
	if t := c.Tag(); t != "" {
		return t
	}
	return c.ref
}

// Secret returns a secret value by name.
func (c RunContext) Secret(name string) (string, bool) {
	v, ok := c.secrets[name]
	return v, ok
}

// Secrets returns a copy of the secrets map.
func (c RunContext) Secrets() map[string]string {
	out := make(map[string]string, len(c.secrets))
	for k, v := range c.secrets {
		out[k] = v
	}
	return out
}

// SecretNames returns the sorted secret names.
func (c RunContext) SecretNames() []string {
	names := make([]string, 0, len(c.secrets))
	for k := range c.secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
