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
	"testing"

	"github.com/spf13/cobra"
)

func TestSafeCompletionWrapper_Success(t *testing.T) {
	fn := func() ([]string, cobra.ShellCompDirective) {
		return []string{"result1", "result2"}, cobra.ShellCompDirectiveNoFileComp
	}

	results, directive := SafeCompletionWrapper(fn)
	if len(results) != 2 {
		t.Errorf("Expected 2 results, got %d", len(results))
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("Expected NoFileComp directive, got %v", directive)
	}
}

func TestSafeCompletionWrapper_Panic(t *testing.T) {
	fn := func() ([]string, cobra.ShellCompDirective) {
		panic("test panic")
	}

	results, directive := SafeCompletionWrapper(fn)
	if len(results) != 0 {
		t.Errorf("Expected empty results on panic, got %d results", len(results))
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("Expected NoFileComp directive on panic, got %v", directive)
	}
}

func TestSafeCompletionWrapper_NilResults(t *testing.T) {
	fn := func() ([]string, cobra.ShellCompDirective) {
		return nil, cobra.ShellCompDirectiveDefault
	}

	results, directive := SafeCompletionWrapper(fn)
	if len(results) != 0 {
		t.Errorf("Expected empty results for nil return, got %d results", len(results))
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("Expected NoFileComp directive, got %v", directive)
	}
}
