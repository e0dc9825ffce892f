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

package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/completion"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/pkg/pipeline"
	"github.com/tombee/stagehand/pkg/pipeline/expression"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	var (
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "validate <definition>",
		Short: "Validate a pipeline definition",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that a pipeline definition is well formed: YAML syntax,
known fields, job ids, needs references, dependency cycles, matrix axes, and
that every condition and ${{ }} template compiles. Nothing is executed.

With --watch the definition is validated again each time it changes, until
interrupted.

See also: stagehand plan, stagehand run`,
		Example: `  # Example 1: Basic validation
  stagehand validate ci.yaml

  # Example 2: Validate with JSON output for parsing
  stagehand validate ci.yaml --json

  # Example 3: Revalidate on every save
  stagehand validate ci.yaml --watch`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteDefinitionFiles,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !watch {
				return runValidate(cmd, args[0])
			}
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, args[0], debounce)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Revalidate whenever the definition changes")
	cmd.Flags().DurationVar(&debounce, "debounce", 200*time.Millisecond, "Delay after a change before revalidating")

	return cmd
}

// pipelineSummary describes a valid definition.
type pipelineSummary struct {
	Name      string   `json:"name,omitempty"`
	Triggers  []string `json:"triggers,omitempty"`
	Jobs      int      `json:"jobs"`
	Instances int      `json:"instances"`
}

func summarize(def *pipeline.Definition) pipelineSummary {
	return pipelineSummary{
		Name:      def.Name,
		Triggers:  def.On,
		Jobs:      len(def.Jobs),
		Instances: pipeline.BuildGraph(def).Len(),
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	def, err := shared.LoadDefinition(shared.DiagnosticWriter(cmd), "validate", path, expression.New())
	if err != nil {
		return err
	}
	return printValid(cmd.OutOrStdout(), def)
}

func printValid(w io.Writer, def *pipeline.Definition) error {
	summary := summarize(def)

	if shared.GetJSON() {
		type validateResponse struct {
			shared.JSONResponse
			Pipeline pipelineSummary `json:"pipeline"`
		}
		return shared.EmitJSON(w, validateResponse{
			JSONResponse: shared.NewJSONResponse("validate", true),
			Pipeline:     summary,
		})
	}

	fmt.Fprintln(w, "Validation Results:")
	fmt.Fprintf(w, "  %s Syntax valid\n", shared.StatusOK.Render("[OK]"))
	fmt.Fprintf(w, "  %s %d jobs expand to %d instances\n", shared.StatusOK.Render("[OK]"), summary.Jobs, summary.Instances)
	fmt.Fprintf(w, "  %s All needs resolve without cycles\n", shared.StatusOK.Render("[OK]"))
	fmt.Fprintf(w, "  %s Conditions and templates compile\n", shared.StatusOK.Render("[OK]"))
	return nil
}

// runWatch validates path now and after every change until ctx ends.
func runWatch(ctx context.Context, cmd *cobra.Command, path string, debounce time.Duration) error {
	validate := func() {
		err := runValidate(cmd, path)
		var exitErr *shared.ExitError
		if err != nil && !(errors.As(err, &exitErr) && exitErr.Message == "") {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderError(err.Error()))
		}
		if !shared.GetJSON() {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.Muted.Render("Watching "+path+" for changes (Ctrl+C to stop)"))
		}
	}

	validate()
	err := watchFile(ctx, path, debounce, validate)
	if err != nil {
		return shared.NewConfigError("failed to watch definition", err)
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
