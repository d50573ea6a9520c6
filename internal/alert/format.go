package alert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatPayload builds the webhook body for the given format.
// Unknown formats fall back to the generic event JSON.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(slackMessage(event))
	case "pagerduty":
		return json.Marshal(pagerDutyEvent(event))
	default:
		return json.Marshal(event)
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackMessage(event AlertEvent) slackPayload {
	title := fmt.Sprintf("govgate: %s (%s)", event.Type, event.Escalation)
	failed := "none"
	if len(event.Reasons) > 0 {
		failed = strings.Join(event.Reasons, "; ")
	}
	field := func(label, value string) slackText {
		return slackText{Type: "mrkdwn", Text: "*" + label + ":* " + value}
	}

	msg := slackPayload{
		Text: title,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
			{Type: "section", Fields: []slackText{
				field("Subject", event.Subject),
				field("Summary", event.Summary),
				field("Failed checks", failed),
				field("Recommended", event.RecommendedAction),
			}},
		},
	}
	if event.RulesVersion != "" {
		msg.Blocks = append(msg.Blocks, slackBlock{
			Type:     "context",
			Elements: []slackText{{Type: "mrkdwn", Text: "rules " + event.RulesVersion}},
		})
	}
	return msg
}

type pagerDutyPayload struct {
	Summary       string         `json:"summary"`
	Severity      string         `json:"severity"`
	Source        string         `json:"source"`
	Timestamp     string         `json:"timestamp,omitempty"`
	CustomDetails map[string]any `json:"custom_details"`
}

type pagerDutyBody struct {
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     pagerDutyPayload `json:"payload"`
}

// pagerDutyEvent dedups on type+subject so a re-raised alert for the same
// command or transaction updates the open incident.
func pagerDutyEvent(event AlertEvent) pagerDutyBody {
	var dedup string
	if event.Subject != "" {
		dedup = event.Type + ":" + event.Subject
	}
	return pagerDutyBody{
		EventAction: "trigger",
		DedupKey:    dedup,
		Payload: pagerDutyPayload{
			Summary:   fmt.Sprintf("govgate %s: %s", event.Type, event.Summary),
			Severity:  severityFor(event.Escalation),
			Source:    "govgate",
			Timestamp: event.Timestamp,
			CustomDetails: map[string]any{
				"subject":            event.Subject,
				"reasons":            event.Reasons,
				"recommended_action": event.RecommendedAction,
				"rules_version":      event.RulesVersion,
			},
		},
	}
}

func severityFor(escalation string) string {
	switch escalation {
	case "critical":
		return "critical"
	case "urgent":
		return "error"
	case "review":
		return "warning"
	default:
		return "info"
	}
}
