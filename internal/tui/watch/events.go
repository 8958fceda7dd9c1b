package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/kestrelworks/starhost/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch {
	case e.Type == events.TypeDispatchCompleted:
		typeStyle = theme.Approved
	case e.Type == events.TypeDispatchFailed:
		typeStyle = theme.Failed
	case e.Type == events.TypeDispatchStarted:
		typeStyle = theme.Running
	case strings.HasPrefix(e.Type, "plugin."):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-20s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, extractEventDesc(e, theme))
}

func extractEventDesc(e events.Event, theme Theme) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if id, ok := data["dispatch_id"].(string); ok {
		if len(id) > 8 {
			id = id[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", id))
	}
	if name, ok := data["name"].(string); ok {
		parts = append(parts, name)
	}
	if command, ok := data["command"].(string); ok {
		parts = append(parts, command)
	}
	if approved, ok := data["approved"].(bool); ok {
		if approved {
			parts = append(parts, theme.Approved.Render("approved"))
		} else {
			parts = append(parts, theme.Vetoed.Render("vetoed"))
		}
	}
	if vetoedBy, ok := data["vetoed_by"].(string); ok && vetoedBy != "" {
		parts = append(parts, "by "+vetoedBy)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
