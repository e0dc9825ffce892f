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

package management

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tombee/stagehand/internal/cache"
	"github.com/tombee/stagehand/internal/commands/shared"
)

// NewCacheCommand creates the cache management command.
func NewCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "cache",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Manage the job cache",
		Long: `Manage the blobs saved by job cache sections.

The store is the configured cache backend: a local directory
(cache.dir) or an S3-compatible bucket (cache.backend: s3).`,
	}

	cmd.AddCommand(newCacheClearCommand())
	cmd.AddCommand(newCacheListCommand())

	return cmd
}

func newCacheListCommand() *cobra.Command {
	var prefix string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cache entries",
		Long: `List stored cache entries, newest first.

See also: stagehand cache clear, stagehand run`,
		Example: `  # Example 1: List all entries
  stagehand cache list

  # Example 2: List entries for one key family
  stagehand cache list --prefix pip-linux-

  # Example 3: Total cache size
  stagehand cache list --json | jq '[.entries[].size] | add'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listCache(cmd, prefix)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Only list keys starting with this prefix")

	return cmd
}

func newCacheClearCommand() *cobra.Command {
	var (
		prefix string
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cache entries",
		Long: `Delete stored cache entries. Without --prefix every entry is removed.

See also: stagehand cache list`,
		Example: `  # Example 1: Clear the entire cache
  stagehand cache clear

  # Example 2: Clear one key family
  stagehand cache clear --prefix pip-linux-

  # Example 3: Preview what would be removed
  stagehand cache clear --prefix pip- --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearCache(cmd, prefix, dryRun)
		},
	}

	cmd.Flags().StringVar(&prefix, "prefix", "", "Only delete keys starting with this prefix")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be deleted without deleting")

	return cmd
}

// matchingEntries returns the entries under prefix, newest first.
func matchingEntries(cmd *cobra.Command, store cache.Store, prefix string) ([]cache.Entry, error) {
	entries, err := store.List(cmdContext(cmd))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache: %w", err)
	}
	matched := make([]cache.Entry, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Key, prefix) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].SavedAt.After(matched[j].SavedAt)
	})
	return matched, nil
}

func openCache() (cache.Store, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	return shared.OpenCacheStore(cfg)
}

func listCache(cmd *cobra.Command, prefix string) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	entries, err := matchingEntries(cmd, store, prefix)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Entries []cache.Entry `json:"entries"`
			Count   int           `json:"count"`
		}
		return shared.EmitJSON(out, listResponse{
			JSONResponse: shared.NewJSONResponse("cache list", true),
			Entries:      entries,
			Count:        len(entries),
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No cache entries.")
		return nil
	}

	var total int64
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSIZE\tSAVED\tPATHS")
	for _, e := range entries {
		total += e.Size
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Key,
			humanSize(e.Size),
			e.SavedAt.Local().Format("2006-01-02 15:04:05"),
			strings.Join(e.Paths, ", "),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d entries, %s\n", len(entries), humanSize(total))
	return nil
}

func clearCache(cmd *cobra.Command, prefix string, dryRun bool) error {
	store, err := openCache()
	if err != nil {
		return err
	}

	entries, err := matchingEntries(cmd, store, prefix)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !dryRun {
			if err := store.Delete(cmdContext(cmd), e.Key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", e.Key, err)
			}
		}
		keys = append(keys, e.Key)
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type clearResponse struct {
			shared.JSONResponse
			DryRun  bool     `json:"dry_run,omitempty"`
			Deleted []string `json:"deleted"`
		}
		return shared.EmitJSON(out, clearResponse{
			JSONResponse: shared.NewJSONResponse("cache clear", true),
			DryRun:       dryRun,
			Deleted:      keys,
		})
	}

	switch {
	case len(keys) == 0:
		fmt.Fprintln(out, "No cache entries to delete.")
	case dryRun:
		fmt.Fprintf(out, "Dry run: would delete %d entries\n", len(keys))
		for _, k := range keys {
			fmt.Fprintf(out, "  %s\n", k)
		}
	default:
		fmt.Fprintf(out, "Deleted %d entries.\n", len(keys))
	}
	return nil
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
