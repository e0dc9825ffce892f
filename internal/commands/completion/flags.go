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

package completion

import (
	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// CompleteOutcomes provides completion for --outcome flag values.
func CompleteOutcomes(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			string(pipeline.OutcomeSucceeded) + "\tEvery required instance succeeded",
			string(pipeline.OutcomeFailed) + "\tAt least one instance failed",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
