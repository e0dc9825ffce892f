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

// Package timeline renders a run report as an ASCII timeline of job instances.
package timeline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/tombee/stagehand/internal/report"
	"github.com/tombee/stagehand/pkg/pipeline"
)

const (
	// MinWidth is the narrowest layout the renderer produces
	MinWidth = 80
	// DefaultWidth is used when the output is not a terminal
	DefaultWidth = 100
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// MaxBarWidth caps bar growth on wide terminals
	MaxBarWidth = 60

	StatusIconOK      = report.SymbolOK
	StatusIconError   = report.SymbolFail
	StatusIconSkipped = report.SymbolCancel

	nameWidth = 24
)

// Renderer renders report timelines.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer sizes a renderer for w. Terminals are measured; anything
// else gets DefaultWidth. Narrow terminals are clamped to MinWidth.
func NewRenderer(w io.Writer) *Renderer {
	width := DefaultWidth
	if f, ok := w.(*os.File); ok {
		if tw, _, err := term.GetSize(int(f.Fd())); err == nil && tw > 0 {
			width = tw
		}
	}
	if width < MinWidth {
		width = MinWidth
	}

	// "│ name bar  duration  icon │"
	barWidth := width - nameWidth - 20
	if barWidth > MaxBarWidth {
		barWidth = MaxBarWidth
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{Width: width, BarWidth: barWidth}
}

// Render draws one row per instance of rep, in report order.
func (r *Renderer) Render(rep *report.Report) (string, error) {
	if rep == nil || len(rep.Instances) == 0 {
		return "", fmt.Errorf("no instances to render")
	}

	total := time.Duration(rep.DurationMS) * time.Millisecond
	for _, row := range rep.Instances {
		end := time.Duration(row.StartOffsetMS+row.DurationMS) * time.Millisecond
		if end > total {
			total = end
		}
	}

	inner := r.innerWidth()
	border := strings.Repeat("─", inner+2)

	var sb strings.Builder
	sb.WriteString("┌" + border + "┐\n")

	title := rep.Pipeline
	if title == "" {
		title = rep.RunID
	}
	totalStr := "Total: " + formatDuration(total)
	label := truncate(title, inner-len(totalStr)-12)
	sb.WriteString(r.line(fmt.Sprintf("Pipeline: %s", label), totalStr, inner))

	sb.WriteString("├" + border + "┤\n")
	for _, row := range rep.Instances {
		sb.WriteString(r.renderRow(row, total, inner))
	}
	sb.WriteString("└" + border + "┘\n")

	return sb.String(), nil
}

// Write renders rep to w.
func (r *Renderer) Write(w io.Writer, rep *report.Report) error {
	out, err := r.Render(rep)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out)
	return err
}

func (r *Renderer) innerWidth() int {
	// name, space, bar, two spaces, duration(7), two spaces, icon
	return nameWidth + 1 + r.BarWidth + 2 + 7 + 2 + 1
}

// line left-aligns left and right-aligns right within inner columns.
func (r *Renderer) line(left, right string, inner int) string {
	pad := inner - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if pad < 1 {
		pad = 1
	}
	return "│ " + left + strings.Repeat(" ", pad) + right + " │\n"
}

func (r *Renderer) renderRow(row report.InstanceReport, total time.Duration, inner int) string {
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		bar[i] = '░'
	}

	ran := row.Outcome != pipeline.OutcomeSkipped
	dur := time.Duration(row.DurationMS) * time.Millisecond
	if ran && total > 0 {
		start := int(float64(row.StartOffsetMS) * float64(time.Millisecond) / float64(total) * float64(r.BarWidth))
		length := int(float64(dur) / float64(total) * float64(r.BarWidth))
		if start >= r.BarWidth {
			start = r.BarWidth - 1
		}
		if length < 1 {
			length = 1
		}
		if start+length > r.BarWidth {
			length = r.BarWidth - start
		}
		for i := start; i < start+length; i++ {
			bar[i] = '█'
		}
	}

	durStr := "-"
	if ran {
		durStr = formatDuration(dur)
	}

	out := fmt.Sprintf("%-*s %s  %7s  %s", nameWidth, truncate(row.Instance, nameWidth), string(bar), durStr, statusIcon(row))
	pad := inner - utf8.RuneCountInString(out)
	if pad < 0 {
		pad = 0
	}
	return "│ " + out + strings.Repeat(" ", pad) + " │\n"
}

func statusIcon(row report.InstanceReport) string {
	switch row.Outcome {
	case pipeline.OutcomeSucceeded:
		return StatusIconOK
	case pipeline.OutcomeSkipped:
		return StatusIconSkipped
	default:
		return StatusIconError
	}
}

// truncate shortens a string to maxLen runes with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
