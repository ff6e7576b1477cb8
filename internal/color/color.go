package color

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

// Palette
var (
	Primary = lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7571F9"}
	Success = lipgloss.AdaptiveColor{Light: "#05A167", Dark: "#05D176"}
	Error   = lipgloss.AdaptiveColor{Light: "#E06A56", Dark: "#F97171"}
	Warning = lipgloss.AdaptiveColor{Light: "#E0A956", Dark: "#F9C171"}
	Info    = lipgloss.AdaptiveColor{Light: "#5A9FE0", Dark: "#71B7F9"}
	Subtle  = lipgloss.AdaptiveColor{Light: "#9B9B9B", Dark: "#5C5C5C"}
)

// Styles
var (
	TitleStyle   = lipgloss.NewStyle().Foreground(Primary).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(Success).Bold(true)
	ErrorStyle   = lipgloss.NewStyle().Foreground(Error).Bold(true)
	WarningStyle = lipgloss.NewStyle().Foreground(Warning)
	InfoStyle    = lipgloss.NewStyle().Foreground(Info)
	SubtleStyle  = lipgloss.NewStyle().Foreground(Subtle)
)

// Initialize forces the dark or light variant of every adaptive color.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
}

// ForResult returns the style for a scenario or step result label.
func ForResult(result string) lipgloss.Style {
	switch strings.ToUpper(result) {
	case "PASSED":
		return SuccessStyle
	case "FAILED", "ERROR":
		return ErrorStyle
	case "SKIPPED":
		return WarningStyle
	default:
		return SubtleStyle
	}
}

// ForMode returns the style used to print a test mode.
func ForMode(mode string) lipgloss.Style {
	switch mode {
	case "production":
		return WarningStyle
	case "isolated":
		return InfoStyle
	default:
		return SubtleStyle
	}
}

// Truncate shortens s to at most width display cells, marking the cut
// with an ellipsis.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "…")
}

// Pad truncates or right-pads s to exactly width display cells.
func Pad(s string, width int) string {
	return runewidth.FillRight(Truncate(s, width), width)
}
