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
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/stagehand/pkg/errors"
)

// Exit codes for stagehand commands
const (
	ExitSuccess           = 0
	ExitRunFailed         = 1
	ExitInvalidDefinition = 2
	ExitConfigError       = 3
	ExitCancelled         = 130 // 128 + SIGINT
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		if e.Message == "" {
			return e.Cause.Error()
		}
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewRunFailedError creates an error for a run whose overall outcome is failed
func NewRunFailedError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitRunFailed, Message: msg, Cause: cause}
}

// NewInvalidDefinitionError creates an error for unreadable or invalid definitions
func NewInvalidDefinitionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidDefinition, Message: msg, Cause: cause}
}

// NewConfigError creates an error for configuration problems
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// NewCancelledError creates an error for an interrupted run
func NewCancelledError(msg string) *ExitError {
	return &ExitError{Code: ExitCancelled, Message: msg}
}

// ExitCode maps an error to the process exit code. Typed errors that were
// not wrapped in an ExitError are classified by kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var defErr *pkgerrors.DefinitionError
	if errors.As(err, &defErr) {
		return ExitInvalidDefinition
	}
	var cfgErr *pkgerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	if errors.Is(err, context.Canceled) {
		return ExitCancelled
	}
	return ExitRunFailed
}

// HandleExitError prints err and exits with its exit code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	os.Exit(reportError(os.Stderr, err))
}

// reportError prints err and its suggestion to w and returns the exit code.
// ExitErrors with no message have already been reported by the command.
func reportError(w io.Writer, err error) int {
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, "Error:", msg)
	}
	printUserVisibleSuggestion(w, err)
	return ExitCode(err)
}

// printUserVisibleSuggestion walks the error chain for a UserVisibleError
// and prints its suggestion.
func printUserVisibleSuggestion(w io.Writer, err error) {
	for err != nil {
		if userErr, ok := err.(pkgerrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if suggestion := userErr.Suggestion(); suggestion != "" {
					fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
