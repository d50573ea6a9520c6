package policydiff

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatText renders the diff result as human-readable text.
func FormatText(r *DiffResult) string {
	if !r.HasChanges {
		return fmt.Sprintf("Rules diff: %s → %s\n\nNo changes detected.\n", r.OldPath, r.NewPath)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rules diff: %s → %s\n", r.OldPath, r.NewPath)

	for _, tier := range []string{"hard", "soft"} {
		var changes []RuleChange
		for _, rc := range r.RuleChanges {
			if rc.Tier == tier {
				changes = append(changes, rc)
			}
		}
		if len(changes) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n  %s filters:\n", strings.ToUpper(tier[:1])+tier[1:])
		for _, rc := range changes {
			switch rc.Type {
			case "added":
				fmt.Fprintf(&b, "    + %s\n", rc.Rule)
			case "removed":
				fmt.Fprintf(&b, "    - %s\n", rc.Rule)
			case "changed":
				fmt.Fprintf(&b, "    ~ %s\n", rc.Rule)
			}
		}
	}

	if len(r.Changes) > 0 {
		b.WriteString("\n")
		for _, c := range r.Changes {
			switch c.Comment {
			case "added":
				fmt.Fprintf(&b, "  %s: + %s\n", c.Field, c.New)
			case "removed":
				fmt.Fprintf(&b, "  %s: - %s\n", c.Field, c.Old)
			}
		}
	}

	return b.String()
}

// FormatJSON renders the diff result as JSON.
func FormatJSON(r *DiffResult) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal diff result: %w", err)
	}
	return string(data), nil
}

// Summary returns a one-line description suitable for a log attribute.
func Summary(r *DiffResult) string {
	if !r.HasChanges {
		return "no changes"
	}
	return fmt.Sprintf("%d filter changes, %d list changes", len(r.RuleChanges), len(r.Changes))
}
