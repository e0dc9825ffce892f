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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/pkg/pipeline"
	"gopkg.in/yaml.v3"
)

const (
	maxDefinitionFiles = 100
	maxSearchDepth     = 2
)

// definitionFile is a discovered pipeline definition.
type definitionFile struct {
	path    string
	modTime int64
}

// CompleteDefinitionFiles provides completion for pipeline definition paths.
// Discovers .yaml and .yml files up to two directories deep (including
// .github/workflows) that have a top-level jobs mapping, newest first.
func CompleteDefinitionFiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		files, err := discoverDefinitionFiles(".", maxSearchDepth)
		if err != nil || len(files) == 0 {
			return []string{"yaml", "yml"}, cobra.ShellCompDirectiveFilterFileExt
		}

		sort.Slice(files, func(i, j int) bool {
			return files[i].modTime > files[j].modTime
		})
		if len(files) > maxDefinitionFiles {
			files = files[:maxDefinitionFiles]
		}

		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.path)
		}
		return paths, cobra.ShellCompDirectiveNoFileComp
	})
}

// discoverDefinitionFiles walks root up to maxDepth levels.
func discoverDefinitionFiles(root string, maxDepth int) ([]definitionFile, error) {
	var files []definitionFile

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		depth := strings.Count(relPath, string(filepath.Separator))
		if depth > maxDepth {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		// .github holds the usual workflow directory; other dot dirs are noise
		if d.IsDir() && path != root && strings.HasPrefix(d.Name(), ".") && d.Name() != ".github" {
			return fs.SkipDir
		}

		if d.IsDir() || (!strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml")) {
			return nil
		}
		if !isSafeFile(path) || !isDefinitionFile(path) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, definitionFile{path: path, modTime: info.ModTime().Unix()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// isSafeFile rejects symlinks in the final path component.
func isSafeFile(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink == 0
}

// isDefinitionFile reports whether the YAML file has a top-level jobs mapping.
func isDefinitionFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var doc struct {
		Jobs map[string]any `yaml:"jobs"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false
	}
	return len(doc.Jobs) > 0
}

// CompleteJobIDs completes --job from the definition named by the first
// positional argument. Descriptions are job display names.
func CompleteJobIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		def := loadDefinition(args)
		if def == nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		jobs := make([]string, 0, len(def.Jobs))
		for _, job := range def.Jobs {
			if !strings.HasPrefix(job.ID, toComplete) {
				continue
			}
			if job.Name != "" && job.Name != job.ID {
				jobs = append(jobs, job.ID+"\t"+job.Name)
			} else {
				jobs = append(jobs, job.ID)
			}
		}
		return jobs, cobra.ShellCompDirectiveNoFileComp
	})
}

// defaultEvents are offered when the definition declares no triggers.
var defaultEvents = []string{
	"push\tBranch or tag push",
	"pull_request\tPull request opened or updated",
	"schedule\tScheduled run",
	"workflow_dispatch\tManual run",
}

// CompleteEvents completes --event with the triggers the definition
// declares, or the common event names when it declares none.
func CompleteEvents(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if def := loadDefinition(args); def != nil && len(def.On) > 0 {
			return append([]string(nil), def.On...), cobra.ShellCompDirectiveNoFileComp
		}
		return append([]string(nil), defaultEvents...), cobra.ShellCompDirectiveNoFileComp
	})
}

// loadDefinition parses the definition named by args[0] without checking
// predicates; nil when there is none or it does not parse.
func loadDefinition(args []string) *pipeline.Definition {
	if len(args) == 0 {
		return nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil
	}
	def, err := pipeline.ParseDefinition(data)
	if err != nil {
		return nil
	}
	return def
}
