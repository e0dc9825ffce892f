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

package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombee/stagehand/internal/report"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// createTestStore creates a history store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "history.db"), WAL: true})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testReport(id string, started time.Time, outcome pipeline.Outcome) *report.Report {
	return &report.Report{
		RunID:      id,
		Pipeline:   "ci",
		Outcome:    outcome,
		StartedAt:  started,
		DurationMS: 1200,
		Instances: []report.InstanceReport{
			{Job: "build", Instance: "build", Outcome: pipeline.OutcomeSucceeded, DurationMS: 400, Cache: "hit"},
			{Job: "test", Instance: "test (3.7)", Outcome: outcome, DurationMS: 800, FailedStep: "pytest"},
		},
	}
}

var pushMain = pipeline.NewRunContext(pipeline.RunContextOptions{Event: "push", Ref: "refs/heads/main", SHA: "abc123"})

func TestStore_RecordAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Record(ctx, testReport("run-1", started, pipeline.OutcomeFailed), pushMain); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	run, r, err := s.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Outcome != pipeline.OutcomeFailed {
		t.Errorf("expected outcome failed, got %s", run.Outcome)
	}
	if run.Event != "push" || run.Ref != "refs/heads/main" || run.SHA != "abc123" {
		t.Errorf("unexpected run context: %+v", run)
	}
	if run.Instances != 2 || run.Failed != 1 {
		t.Errorf("expected 2 instances and 1 failure, got %d and %d", run.Instances, run.Failed)
	}
	if !run.StartedAt.Equal(started) {
		t.Errorf("expected started_at %v, got %v", started, run.StartedAt)
	}
	if len(r.Instances) != 2 || r.Instances[1].FailedStep != "pytest" {
		t.Errorf("report not round-tripped: %+v", r.Instances)
	}
}

func TestStore_RecordReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, testReport("run-1", now, pipeline.OutcomeFailed), pushMain); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := s.Record(ctx, testReport("run-1", now, pipeline.OutcomeSucceeded), pushMain); err != nil {
		t.Fatalf("failed to re-record run: %v", err)
	}

	runs, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Outcome != pipeline.OutcomeSucceeded {
		t.Errorf("expected one succeeded run, got %+v", runs)
	}
}

func TestStore_List(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	reports := []*report.Report{
		testReport("run-a", base, pipeline.OutcomeSucceeded),
		testReport("run-b", base.Add(time.Minute), pipeline.OutcomeFailed),
		testReport("run-c", base.Add(2*time.Minute), pipeline.OutcomeSucceeded),
	}
	reports[1].Pipeline = "nightly"
	for _, r := range reports {
		if err := s.Record(ctx, r, pushMain); err != nil {
			t.Fatalf("failed to record %s: %v", r.RunID, err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"run-c", "run-b", "run-a"}},
		{"limit", Filter{Limit: 1}, []string{"run-c"}},
		{"by outcome", Filter{Outcome: pipeline.OutcomeSucceeded}, []string{"run-c", "run-a"}},
		{"by pipeline", Filter{Pipeline: "nightly"}, []string{"run-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("failed to list runs: %v", err)
			}
			var got []string
			for _, r := range runs {
				got = append(got, r.ID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestStore_GetByPrefix(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"4f2a91c0", "4f2b0000", "9e11aa00"} {
		if err := s.Record(ctx, testReport(id, time.Now(), pipeline.OutcomeSucceeded), pushMain); err != nil {
			t.Fatalf("failed to record %s: %v", id, err)
		}
	}

	run, _, err := s.Get(ctx, "9e")
	if err != nil {
		t.Fatalf("failed to get by prefix: %v", err)
	}
	if run.ID != "9e11aa00" {
		t.Errorf("expected 9e11aa00, got %s", run.ID)
	}

	if _, _, err := s.Get(ctx, "4f"); err == nil {
		t.Error("expected ambiguous prefix to fail")
	}

	_, _, err = s.Get(ctx, "zz")
	var notFound *sherrors.NotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestStore_Stats(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.Record(ctx, testReport("run-1", now, pipeline.OutcomeFailed), pushMain); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}
	if err := s.Record(ctx, testReport("run-2", now.Add(time.Second), pipeline.OutcomeSucceeded), pushMain); err != nil {
		t.Fatalf("failed to record run: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(stats))
	}
	build, test := stats[0], stats[1]
	if build.Job != "build" || build.Runs != 2 || build.CacheHits != 2 || build.AvgMS != 400 {
		t.Errorf("unexpected build stats: %+v", build)
	}
	if test.Job != "test" || test.Failures != 1 {
		t.Errorf("unexpected test stats: %+v", test)
	}
}

func TestStore_Prune(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Record(ctx, testReport(id, base.Add(time.Duration(i)*time.Minute), pipeline.OutcomeSucceeded), pushMain); err != nil {
			t.Fatalf("failed to record %s: %v", id, err)
		}
	}

	removed, err := s.Prune(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	runs, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("expected only the newest run, got %+v", runs)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("failed to get stats: %v", err)
	}
	if len(stats) == 0 || stats[0].Runs != 1 {
		t.Errorf("expected instance rows to cascade, got %+v", stats)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	var cfgErr *sherrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}
