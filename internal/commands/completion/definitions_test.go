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
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

const completionPipeline = `name: ci
on: [push, pull_request]
jobs:
  build:
    name: Build
    steps:
      - run: make
  test:
    needs: build
    steps:
      - run: make test
  lint:
    steps:
      - run: make lint
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ci.yaml"), completionPipeline)
	writeFile(t, filepath.Join(dir, ".github", "workflows", "release.yml"), completionPipeline)
	writeFile(t, filepath.Join(dir, "config.yaml"), "log:\n  level: info\n")
	writeFile(t, filepath.Join(dir, ".hidden", "ci.yaml"), completionPipeline)
	writeFile(t, filepath.Join(dir, "a", "b", "c", "deep.yaml"), completionPipeline)

	files, err := discoverDefinitionFiles(dir, maxSearchDepth)
	if err != nil {
		t.Fatalf("discover failed: %v", err)
	}

	got := map[string]bool{}
	for _, f := range files {
		rel, _ := filepath.Rel(dir, f.path)
		got[rel] = true
	}
	if !got["ci.yaml"] {
		t.Error("expected ci.yaml to be discovered")
	}
	if !got[filepath.Join(".github", "workflows", "release.yml")] {
		t.Error("expected .github/workflows/release.yml to be discovered")
	}
	if got["config.yaml"] {
		t.Error("config.yaml has no jobs and should be skipped")
	}
	if got[filepath.Join(".hidden", "ci.yaml")] {
		t.Error("hidden directories should be skipped")
	}
	if got[filepath.Join("a", "b", "c", "deep.yaml")] {
		t.Error("files beyond the search depth should be skipped")
	}
}

func TestIsSafeFile_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "ci.yaml")
	writeFile(t, target, completionPipeline)
	link := filepath.Join(dir, "link.yaml")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if !isSafeFile(target) {
		t.Error("regular file should be safe")
	}
	if isSafeFile(link) {
		t.Error("symlink should be rejected")
	}
}

func TestCompleteJobIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci.yaml")
	writeFile(t, path, completionPipeline)

	completions, directive := CompleteJobIDs(nil, []string{path}, "")
	want := []string{"build\tBuild", "test", "lint"}
	if len(completions) != len(want) {
		t.Fatalf("expected %v, got %v", want, completions)
	}
	for i := range want {
		if completions[i] != want[i] {
			t.Errorf("completion %d = %q, want %q", i, completions[i], want[i])
		}
	}
	if directive != cobra.ShellCompDirectiveNoFileComp {
		t.Errorf("expected NoFileComp directive, got %v", directive)
	}

	completions, _ = CompleteJobIDs(nil, []string{path}, "te")
	if len(completions) != 1 || completions[0] != "test" {
		t.Errorf("expected prefix filter to leave test, got %v", completions)
	}
}

func TestCompleteJobIDs_NoDefinition(t *testing.T) {
	completions, _ := CompleteJobIDs(nil, nil, "")
	if len(completions) != 0 {
		t.Errorf("expected no completions without a definition, got %v", completions)
	}

	completions, _ = CompleteJobIDs(nil, []string{"/nonexistent/ci.yaml"}, "")
	if len(completions) != 0 {
		t.Errorf("expected no completions for a missing file, got %v", completions)
	}
}

func TestCompleteEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ci.yaml")
	writeFile(t, path, completionPipeline)

	completions, _ := CompleteEvents(nil, []string{path}, "")
	if len(completions) != 2 || completions[0] != "push" || completions[1] != "pull_request" {
		t.Errorf("expected declared triggers, got %v", completions)
	}

	completions, _ = CompleteEvents(nil, nil, "")
	if len(completions) != len(defaultEvents) {
		t.Errorf("expected default events, got %v", completions)
	}
}
