package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Scope: %s | No entries found.\n", result.Scope)
	}

	var b strings.Builder

	firstTime := formatDateRange(result.Summary.FirstTimestamp)
	lastTime := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Scope: %s | %s–%s UTC\n", result.Scope, firstTime, lastTime))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		seq := fmt.Sprintf("#%d", e.Seq)
		kind := truncate(string(e.Kind), 19)
		outcome := truncate(strings.ToUpper(e.Summary), 14)
		ref := e.DecisionID
		if e.TransactionID != "" {
			ref = e.TransactionID
		}
		b.WriteString(fmt.Sprintf("%-10s %-6s %-19s %-14s %s\n",
			ts, seq, kind, outcome, truncate(ref, 40)))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	counts := []struct {
		n     int
		label string
	}{
		{s.ApproveCount, "approve"},
		{s.ModifyCount, "modify"},
		{s.RejectCount, "reject"},
		{s.ExecuteCount, "auto-execute"},
		{s.HoldCount, "hold"},
		{s.EnforcedCount, "enforced"},
		{s.FailedCount, "failed"},
		{s.ExecutionOK, "executed"},
		{s.ExecutionError, "execution error"},
		{s.RetentionCount, "retention"},
	}
	parts := []string{}
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
