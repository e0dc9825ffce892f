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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/config"
	"github.com/tombee/stagehand/internal/log"
	pkgerrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// LoadConfig loads the configuration named by --config, wrapping failures
// in an ExitError with the config exit code.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

// NewLogger builds the process logger from configuration and global flags.
// --verbose forces debug, --quiet raises the level to warn.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	lc := log.FromEnv()
	lc.Output = w
	lc.Level = cfg.Log.Level
	lc.Format = log.Format(cfg.Log.Format)
	lc.AddSource = lc.AddSource || cfg.Log.AddSource

	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "warn"
	}
	return log.New(lc)
}

// DefinitionJSONErrors converts definition problems to JSON errors.
func DefinitionJSONErrors(problems []error) []JSONError {
	out := make([]JSONError, 0, len(problems))
	for _, p := range problems {
		je := JSONError{Code: ErrorCodeInvalidField, Message: p.Error()}
		var defErr *pkgerrors.DefinitionError
		if errors.As(p, &defErr) {
			je.Job = defErr.Job
			je.Field = defErr.Field
			if defErr.Line > 0 {
				je.Location = &JSONLocation{Line: defErr.Line}
			}
			switch {
			case defErr.Field == "needs":
				je.Code = ErrorCodeInvalidReference
			case defErr.Cause != nil && defErr.Field != "":
				je.Code = ErrorCodeInvalidPredicate
			case defErr.Cause != nil:
				je.Code = ErrorCodeInvalidYAML
			}
		}
		var userErr pkgerrors.UserVisibleError
		if errors.As(p, &userErr) && userErr.IsUserVisible() {
			je.Suggestion = userErr.Suggestion()
		}
		out = append(out, je)
	}
	return out
}

// PrintDefinitionErrors writes problems in path:line: error form.
func PrintDefinitionErrors(w io.Writer, path string, problems []error) {
	for _, je := range DefinitionJSONErrors(problems) {
		if je.Location != nil && je.Location.Line > 0 {
			fmt.Fprintf(w, "%s:%d: %s\n", path, je.Location.Line, RenderError(je.Message))
		} else {
			fmt.Fprintf(w, "%s: %s\n", path, RenderError(je.Message))
		}
		if je.Suggestion != "" {
			fmt.Fprintf(w, "  %s %s\n", RenderLabel("Suggestion:"), je.Suggestion)
		}
	}
}

// LoadDefinition reads, parses and checks the definition at path. Every
// problem found is reported to w (as a JSON envelope when --json is set) and
// an ExitError with the invalid definition code and no message is returned.
func LoadDefinition(w io.Writer, command, path string, eval *expression.Evaluator) (*pipeline.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		msg := fmt.Sprintf("failed to read definition: %v", err)
		if GetJSON() {
			_ = EmitJSONError(w, command, []JSONError{{
				Code:       ErrorCodeFileNotFound,
				Message:    msg,
				Suggestion: "Check that the file path is correct and the file exists",
			}})
			return nil, &ExitError{Code: ExitInvalidDefinition}
		}
		return nil, NewInvalidDefinitionError(msg, nil)
	}

	var problems []error
	def, err := pipeline.ParseDefinition(data)
	if err != nil {
		problems = append(problems, err)
	} else {
		problems = eval.CheckDefinition(def)
	}
	if len(problems) == 0 {
		return def, nil
	}

	if GetJSON() {
		_ = EmitJSONError(w, command, DefinitionJSONErrors(problems))
	} else {
		PrintDefinitionErrors(w, path, problems)
	}
	return nil, &ExitError{Code: ExitInvalidDefinition}
}

// DiagnosticWriter is where a command reports problems: stdout when --json
// is set so the envelope reaches tooling, stderr otherwise.
func DiagnosticWriter(cmd *cobra.Command) io.Writer {
	if GetJSON() {
		return cmd.OutOrStdout()
	}
	return cmd.ErrOrStderr()
}

// OpenCacheStore opens the configured cache store.
func OpenCacheStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.CacheBackendS3:
		s3 := cfg.Cache.S3
		store, err := cache.NewS3Store(cache.S3Config{
			Endpoint:  s3.Endpoint,
			Bucket:    s3.Bucket,
			Region:    s3.Region,
			Prefix:    s3.Prefix,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return nil, NewConfigError("failed to open S3 cache store", err)
		}
		return store, nil
	default:
		store, err := cache.NewFSStore(cfg.Cache.Dir)
		if err != nil {
			return nil, NewConfigError("failed to open cache directory", err)
		}
		return store, nil
	}
}
