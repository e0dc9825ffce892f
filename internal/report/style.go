package report

import "github.com/charmbracelet/lipgloss"

// Terminal palette shared by the report printer and the CLI commands.
var (
	StyleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	StyleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	StyleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	StyleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	StyleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Outcome symbols.
const (
	SymbolOK      = "✓"
	SymbolFail    = "✗"
	SymbolSkip    = "○"
	SymbolCancel  = "⊘"
	SymbolPending = "•"
)
