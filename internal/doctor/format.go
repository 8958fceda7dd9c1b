package doctor

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatJSON renders a validation result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

// FormatHuman renders a validation result for terminal output.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if len(r.Plugins) > 0 {
		fmt.Fprintf(&b, "Discovered %d plugin(s): %s\n", len(r.Plugins), strings.Join(r.Plugins, ", "))
	} else {
		b.WriteString("No plugins discovered.\n")
	}

	for _, issue := range r.Errors {
		fmt.Fprintf(&b, "ERROR [%s] %s", issue.Category, issue.Message)
		if issue.Field != "" {
			fmt.Fprintf(&b, " (%s)", issue.Field)
		}
		b.WriteString("\n")
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(&b, "WARN  [%s] %s", issue.Category, issue.Message)
		if issue.Field != "" {
			fmt.Fprintf(&b, " (%s)", issue.Field)
		}
		b.WriteString("\n")
	}

	if r.Valid {
		b.WriteString("Status: configuration check PASSED\n")
	} else {
		fmt.Fprintf(&b, "Status: configuration check FAILED (%d error(s))\n", len(r.Errors))
	}
	return b.String()
}
