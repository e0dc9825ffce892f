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

package timeline

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tombee/stagehand/internal/report"
	"github.com/tombee/stagehand/pkg/pipeline"
)

func sampleReport() *report.Report {
	return &report.Report{
		RunID:      "run-1",
		Pipeline:   "ci",
		Outcome:    pipeline.OutcomeFailed,
		DurationMS: 2000,
		Instances: []report.InstanceReport{
			{Job: "build", Instance: "build", Outcome: pipeline.OutcomeSucceeded, DurationMS: 1000},
			{Job: "test", Instance: "test (3.7)", Outcome: pipeline.OutcomeFailed, StartOffsetMS: 1000, DurationMS: 1000},
			{Job: "deploy", Instance: "deploy", Outcome: pipeline.OutcomeSkipped, SkipReason: pipeline.SkipReasonUpstream},
		},
	}
}

func TestRenderer_Render(t *testing.T) {
	r := &Renderer{Width: 100, BarWidth: 40}

	out, err := r.Render(sampleReport())
	if err != nil {
		t.Fatalf("Render() unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 7 {
		t.Fatalf("Render() produced %d lines, want 7\nOutput:\n%s", len(lines), out)
	}

	width := utf8.RuneCountInString(lines[0])
	for i, line := range lines {
		if got := utf8.RuneCountInString(line); got != width {
			t.Errorf("line %d has width %d, want %d: %q", i, got, width, line)
		}
	}

	checks := []struct {
		name string
		ok   bool
	}{
		{"header names pipeline", strings.Contains(lines[1], "Pipeline: ci")},
		{"header shows total", strings.Contains(lines[1], "Total: 2.0s")},
		{"build bar starts at zero", strings.Contains(lines[3], strings.Repeat("█", 20)+strings.Repeat("░", 20))},
		{"build succeeded", strings.Contains(lines[3], StatusIconOK)},
		{"test bar starts halfway", strings.Contains(lines[4], strings.Repeat("░", 20)+strings.Repeat("█", 20))},
		{"test failed", strings.Contains(lines[4], StatusIconError)},
		{"deploy has empty bar", strings.Contains(lines[5], strings.Repeat("░", 40))},
		{"deploy skipped", strings.Contains(lines[5], StatusIconSkipped)},
	}
	for _, c := range checks {
		if !c.ok {
			t.Errorf("%s\nOutput:\n%s", c.name, out)
		}
	}
}

func TestRenderer_RenderEmpty(t *testing.T) {
	r := &Renderer{Width: 100, BarWidth: 40}

	if _, err := r.Render(&report.Report{RunID: "empty"}); err == nil {
		t.Error("Render() expected error for a report without instances")
	}
	if _, err := r.Render(nil); err == nil {
		t.Error("Render() expected error for nil report")
	}
}

func TestRenderer_TinyInstanceStillVisible(t *testing.T) {
	r := &Renderer{Width: 100, BarWidth: 40}
	rep := &report.Report{
		Pipeline:   "ci",
		DurationMS: 60000,
		Instances: []report.InstanceReport{
			{Instance: "lint", Outcome: pipeline.OutcomeSucceeded, DurationMS: 5},
		},
	}

	out, err := r.Render(rep)
	if err != nil {
		t.Fatalf("Render() unexpected error: %v", err)
	}
	if strings.Count(out, "█") != 1 {
		t.Errorf("expected a single-cell bar\nOutput:\n%s", out)
	}
}

func TestNewRenderer_NonTerminal(t *testing.T) {
	r := NewRenderer(&bytes.Buffer{})

	if r.Width != DefaultWidth {
		t.Errorf("Width = %d, want %d", r.Width, DefaultWidth)
	}
	if r.BarWidth < DefaultBarWidth || r.BarWidth > MaxBarWidth {
		t.Errorf("BarWidth = %d, want between %d and %d", r.BarWidth, DefaultBarWidth, MaxBarWidth)
	}
}

func TestRenderer_Write(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRenderer(&buf).Write(&buf, sampleReport()); err != nil {
		t.Fatalf("Write() unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "test (3.7)") {
		t.Errorf("Write() output missing instance:\n%s", buf.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"short string unchanged", "short", 10, "short"},
		{"exact length unchanged", "exactly10c", 10, "exactly10c"},
		{"long string truncated", "this is a very long string", 10, "this is..."},
		{"maxLen <= 3 no ellipsis", "test", 3, "tes"},
		{"multibyte counted as runes", "héllo wörld", 8, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("truncate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		dur  time.Duration
		want string
	}{
		{"milliseconds", 150 * time.Millisecond, "150ms"},
		{"seconds", 2500 * time.Millisecond, "2.5s"},
		{"minutes", 90 * time.Second, "1.5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatDuration(tt.dur)
			if got != tt.want {
				t.Errorf("formatDuration() = %q, want %q", got, tt.want)
			}
		})
	}
}
