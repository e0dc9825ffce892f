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

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/config"
	pkgerrors "github.com/tombee/stagehand/pkg/errors"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Path   string   `json:"path"`
	Errors []string `json:"errors,omitempty"`
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration and report every invalid value.

Checks performed:
  - YAML syntax of the config file
  - Log level and format
  - Scheduler limits and skip policy
  - Cache backend settings
  - Publish tag pattern glob syntax`,
		Example: `  # Validate configuration
  stagehand config validate

  # Validate a specific file
  stagehand --config ./stagehand.yaml config validate

  # Get validation result as JSON
  stagehand config validate --json`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := configPath()
	result := ValidationResult{Path: path, Valid: true}

	if _, err := config.Load(shared.GetConfigPath()); err != nil {
		result.Valid = false
		result.Errors = validationErrors(err)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type validateResponse struct {
			shared.JSONResponse
			ValidationResult
		}
		if err := shared.EmitJSON(out, validateResponse{
			JSONResponse:     shared.NewJSONResponse("config validate", result.Valid),
			ValidationResult: result,
		}); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintf(out, "%s %s\n", shared.StatusOK.Render("[OK]"), "Configuration is valid")
	} else {
		fmt.Fprintf(out, "%s %s\n", shared.StatusError.Render("[ERROR]"), "Configuration is invalid:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
	}

	if !result.Valid {
		return &shared.ExitError{Code: shared.ExitConfigError}
	}
	return nil
}

// validationErrors flattens a Load error into one message per problem.
func validationErrors(err error) []string {
	var cfgErr *pkgerrors.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Cause == nil {
		return []string{err.Error()}
	}
	if errors.Is(cfgErr.Cause, config.ErrInvalidConfig) {
		if _, list, ok := strings.Cut(cfgErr.Cause.Error(), "\n  - "); ok {
			return strings.Split(list, "\n  - ")
		}
	}
	return []string{fmt.Sprintf("%s: %v", cfgErr.Reason, cfgErr.Cause)}
}
