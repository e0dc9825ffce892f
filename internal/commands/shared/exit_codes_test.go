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
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	pkgerrors "github.com/tombee/stagehand/pkg/errors"
)

type mockUserVisibleError struct {
	message    string
	suggestion string
	visible    bool
}

func (e *mockUserVisibleError) Error() string       { return e.message }
func (e *mockUserVisibleError) IsUserVisible() bool { return e.visible }
func (e *mockUserVisibleError) UserMessage() string { return e.message }
func (e *mockUserVisibleError) Suggestion() string  { return e.suggestion }

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"run failed", NewRunFailedError("run failed", nil), ExitRunFailed},
		{"invalid definition", NewInvalidDefinitionError("bad", nil), ExitInvalidDefinition},
		{"config", NewConfigError("bad config", nil), ExitConfigError},
		{"cancelled", NewCancelledError("interrupted"), ExitCancelled},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewConfigError("x", nil)), ExitConfigError},
		{"bare definition error", &pkgerrors.DefinitionError{Job: "a", Message: "bad"}, ExitInvalidDefinition},
		{"bare config error", &pkgerrors.ConfigError{Key: "k", Reason: "r"}, ExitConfigError},
		{"context cancelled", fmt.Errorf("run: %w", context.Canceled), ExitCancelled},
		{"other", errors.New("boom"), ExitRunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitError_Unwrap(t *testing.T) {
	innerErr := errors.New("inner error")
	exitErr := NewRunFailedError("execution failed", innerErr)

	if unwrapped := errors.Unwrap(exitErr); unwrapped != innerErr {
		t.Errorf("expected unwrapped error to be innerErr, got %v", unwrapped)
	}
	if exitErr.Error() != "execution failed: inner error" {
		t.Errorf("unexpected message %q", exitErr.Error())
	}
}

func TestReportError_Suggestion(t *testing.T) {
	cause := &mockUserVisibleError{message: "unknown job \"lint\"", suggestion: "Check the needs list", visible: true}
	err := NewInvalidDefinitionError("invalid definition", fmt.Errorf("parse: %w", cause))

	var buf bytes.Buffer
	code := reportError(&buf, err)

	if code != ExitInvalidDefinition {
		t.Errorf("expected exit code %d, got %d", ExitInvalidDefinition, code)
	}
	out := buf.String()
	if !strings.Contains(out, "Error: invalid definition: parse: unknown job") {
		t.Errorf("missing error line in %q", out)
	}
	if !strings.Contains(out, "Suggestion: Check the needs list") {
		t.Errorf("missing suggestion in %q", out)
	}
}

func TestReportError_SilentExitError(t *testing.T) {
	var buf bytes.Buffer
	code := reportError(&buf, &ExitError{Code: ExitRunFailed})
	if code != ExitRunFailed {
		t.Errorf("expected exit code %d, got %d", ExitRunFailed, code)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestReportError_HiddenSuggestion(t *testing.T) {
	var buf bytes.Buffer
	reportError(&buf, &mockUserVisibleError{message: "internal", suggestion: "ignore me"})
	if strings.Contains(buf.String(), "Suggestion") {
		t.Errorf("suggestion of non-visible error printed: %q", buf.String())
	}
}
