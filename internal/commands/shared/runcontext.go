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

package shared

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// RunContextFlags are the trigger flags shared by commands that evaluate a
// pipeline against a run context.
type RunContextFlags struct {
	Event      string
	Ref        string
	SHA        string
	Repository string
	Workspace  string
	Secrets    []string
}

// Register adds the flags to fs.
func (f *RunContextFlags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.Event, "event", "", "Trigger event (env: STAGEHAND_EVENT)")
	fs.StringVar(&f.Ref, "ref", "", "Git ref, e.g. refs/heads/main (env: STAGEHAND_REF)")
	fs.StringVar(&f.SHA, "sha", "", "Commit SHA (env: STAGEHAND_SHA)")
	fs.StringVar(&f.Repository, "repository", "", "Repository as owner/name (env: STAGEHAND_REPOSITORY)")
	fs.StringVarP(&f.Workspace, "workspace", "w", "", "Workspace directory (default: current directory)")
	fs.StringArrayVar(&f.Secrets, "secret", nil, "Expose environment variable NAME as secret NAME (repeatable)")
}

// Build layers the flags over the run context read from environ. A nil
// environ means the process environment. A --secret naming an unset
// variable is a configuration error.
func (f RunContextFlags) Build(environ []string) (pipeline.RunContext, error) {
	if environ == nil {
		environ = os.Environ()
	}
	rc := pipeline.RunContextFromEnv(environ)

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&rc.Event, f.Event)
	override(&rc.Ref, f.Ref)
	override(&rc.SHA, f.SHA)
	override(&rc.Repository, f.Repository)
	override(&rc.Workspace, f.Workspace)

	if rc.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return pipeline.RunContext{}, NewConfigError("failed to determine workspace", err)
		}
		rc.Workspace = wd
	}

	if len(f.Secrets) > 0 {
		env := make(map[string]string, len(environ))
		for _, kv := range environ {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
		for _, name := range f.Secrets {
			value, ok := env[name]
			if !ok {
				return pipeline.RunContext{}, NewConfigError(
					fmt.Sprintf("secret %s: environment variable %s is not set", name, name), nil)
			}
			rc.Secrets[name] = value
		}
	}

	return pipeline.NewRunContext(rc), nil
}
