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
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/commands/shared"
	"github.com/tombee/stagehand/internal/history"
)

const (
	runCacheTTL    = 2 * time.Second
	historyTimeout = 500 * time.Millisecond
	maxRunResults  = 50
)

// runCacheEntry holds cached run completions with expiry.
type runCacheEntry struct {
	runs      []runInfo
	expiresAt time.Time
}

// runInfo is a run ID with its description.
type runInfo struct {
	id          string
	description string
}

var (
	runCache   *runCacheEntry
	runCacheMu sync.RWMutex
)

// CompleteRunIDs provides completion for recorded run IDs, newest first.
// Results are cached for two seconds and described as
// "pipeline outcome (event ref)".
func CompleteRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		runs, err := getRunCompletions()
		if err != nil || len(runs) == 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		completions := make([]string, 0, len(runs))
		for _, r := range runs {
			completions = append(completions, r.id+"\t"+r.description)
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})
}

// getRunCompletions reads recent runs from the history database with caching.
func getRunCompletions() ([]runInfo, error) {
	runCacheMu.RLock()
	if runCache != nil && time.Now().Before(runCache.expiresAt) {
		cached := runCache.runs
		runCacheMu.RUnlock()
		return cached, nil
	}
	runCacheMu.RUnlock()

	runs, err := fetchRunsFromHistory()
	if err != nil {
		return nil, err
	}

	runCacheMu.Lock()
	runCache = &runCacheEntry{
		runs:      runs,
		expiresAt: time.Now().Add(runCacheTTL),
	}
	runCacheMu.Unlock()

	return runs, nil
}

func fetchRunsFromHistory() ([]runInfo, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	if !fileExists(cfg.History.Path) {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	store, err := history.Open(history.Config{Path: cfg.History.Path})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	runs, err := store.List(ctx, history.Filter{Limit: maxRunResults})
	if err != nil {
		return nil, err
	}

	infos := make([]runInfo, 0, len(runs))
	for _, r := range runs {
		infos = append(infos, runInfo{id: r.ID, description: describeRun(r)})
	}
	return infos, nil
}

func describeRun(r *history.Run) string {
	outcome := string(r.Outcome)
	if r.Cancelled {
		outcome = "cancelled"
	}
	desc := fmt.Sprintf("%s %s", r.Pipeline, outcome)
	switch {
	case r.Event != "" && r.Ref != "":
		desc += fmt.Sprintf(" (%s %s)", r.Event, r.Ref)
	case r.Event != "":
		desc += fmt.Sprintf(" (%s)", r.Event)
	}
	return desc
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
