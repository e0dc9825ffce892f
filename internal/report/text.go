package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tombee/stagehand/pkg/pipeline"
)

var styleOutput = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(lipgloss.Color("245")).
	PaddingLeft(1)

// IsTerminal reports whether w is a terminal that should get styled output.
// NO_COLOR and TERM=dumb disable styling.
func IsTerminal(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if t := os.Getenv("TERM"); t == "" || t == "dumb" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// TextOptions controls text rendering.
type TextOptions struct {
	// Styled enables colours and borders
	Styled bool

	// Verbose lists every step of every instance that ran
	Verbose bool
}

// WriteText renders the report as a human readable summary.
func WriteText(w io.Writer, r *Report, opts TextOptions) error {
	p := &printer{styled: opts.Styled}
	var sb strings.Builder

	title := "Run " + r.RunID
	if r.Pipeline != "" {
		title = r.Pipeline + " · " + title
	}
	sb.WriteString(p.render(StyleHeader, title) + "\n\n")

	width := 0
	for _, row := range r.Instances {
		if n := lipgloss.Width(row.Instance); n > width {
			width = n
		}
	}

	for _, row := range r.Instances {
		sb.WriteString(p.row(row, width) + "\n")
		if opts.Verbose {
			for _, st := range row.Steps {
				sb.WriteString("    " + p.step(st) + "\n")
			}
		}
		if row.FailedStep != "" {
			sb.WriteString(p.render(StyleMuted, "    failed step: ") + row.FailedStep + "\n")
		}
		for _, e := range row.Errors {
			sb.WriteString(p.render(StyleMuted, "    "+e.Type+" error: ") + e.Message + "\n")
		}
		if row.Output != "" {
			sb.WriteString(indent(p.output(row), "    ") + "\n")
		}
	}

	sb.WriteString("\n" + p.summary(r) + "\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

type printer struct {
	styled bool
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.styled {
		return s
	}
	return style.Render(s)
}

func (p *printer) symbol(outcome pipeline.Outcome, tolerated bool) string {
	switch outcome {
	case pipeline.OutcomeSucceeded:
		return p.render(StyleOK, SymbolOK)
	case pipeline.OutcomeFailed:
		if tolerated {
			return p.render(StyleWarn, SymbolFail)
		}
		return p.render(StyleError, SymbolFail)
	case pipeline.OutcomeSkipped:
		return p.render(StyleMuted, SymbolSkip)
	case pipeline.OutcomeCancelled:
		return p.render(StyleWarn, SymbolCancel)
	}
	return SymbolPending
}

func (p *printer) row(row InstanceReport, width int) string {
	pad := strings.Repeat(" ", width-lipgloss.Width(row.Instance))
	parts := []string{row.Instance + pad, outcomeLabel(row)}
	if row.Outcome != pipeline.OutcomeSkipped {
		parts = append(parts, p.render(StyleMuted, formatDuration(time.Duration(row.DurationMS)*time.Millisecond)))
	}
	if row.Cache != "" {
		parts = append(parts, p.render(StyleMuted, "cache "+row.Cache))
	}
	return p.symbol(row.Outcome, row.Tolerated) + " " + strings.Join(parts, "  ")
}

func (p *printer) step(st StepReport) string {
	line := p.symbol(st.Outcome, false) + " " + st.Name
	if st.SkipReason != "" {
		line += p.render(StyleMuted, " (skipped: "+string(st.SkipReason)+")")
	}
	if st.Detail != "" {
		line += p.render(StyleMuted, " "+st.Detail)
	}
	return line
}

func (p *printer) output(row InstanceReport) string {
	out := strings.TrimRight(row.Output, "\n")
	if row.Truncated {
		out = "…\n" + out
	}
	if !p.styled {
		return indent(out, "| ")
	}
	return styleOutput.Render(out)
}

func (p *printer) summary(r *Report) string {
	counts := make(map[pipeline.Outcome]int)
	for _, row := range r.Instances {
		counts[row.Outcome]++
	}
	var parts []string
	for _, o := range []pipeline.Outcome{
		pipeline.OutcomeSucceeded, pipeline.OutcomeFailed,
		pipeline.OutcomeSkipped, pipeline.OutcomeCancelled,
	} {
		if counts[o] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[o], o))
		}
	}
	detail := strings.Join(parts, ", ")
	if detail == "" {
		detail = "no instances"
	}
	dur := formatDuration(time.Duration(r.DurationMS) * time.Millisecond)

	if r.Outcome == pipeline.OutcomeSucceeded {
		return p.render(StyleOK, SymbolOK+" Run succeeded") + " (" + detail + ") in " + dur
	}
	label := "Run failed"
	if r.Cancelled {
		label = "Run cancelled"
	}
	return p.render(StyleError, SymbolFail+" "+label) + " (" + detail + ") in " + dur
}

func outcomeLabel(row InstanceReport) string {
	switch {
	case row.Outcome == pipeline.OutcomeSkipped && row.SkipReason != "":
		return "skipped (" + string(row.SkipReason) + ")"
	case row.Outcome == pipeline.OutcomeFailed && row.Tolerated:
		return "failed (tolerated)"
	}
	return string(row.Outcome)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
