// Package watch implements the starhost live monitoring TUI. It follows the
// host over the HTTP API: health polling plus the SSE event stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	Approved lipgloss.Style
	Vetoed   lipgloss.Style
	Failed   lipgloss.Style
	Running  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	ActivityOn  lipgloss.Style
	ActivityOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#5FAFFF")

	return Theme{
		Approved: lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")),
		Vetoed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		Running:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF5F")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		ActivityOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")),
		ActivityOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}
