package prompts

import (
	"fmt"
	"time"
)

// briefingFallbackTemplate stands in for the briefing instructions
// document when it is missing or empty. Format verb: bot name.
const briefingFallbackTemplate = `You are %s, the AI for a smart home. Generate a morning briefing based on current home state. Under 150 words. Plain prose only. Lead with the most interesting thing. Don't invent data.`

// BriefingFallback returns the default briefing instructions.
func BriefingFallback(botName string) string {
	return fmt.Sprintf(briefingFallbackTemplate, botName)
}

// BriefingRequest returns the user turn that triggers a briefing: the
// local date and time followed by a summary of watched entity states.
func BriefingRequest(now time.Time, stateSummary string) string {
	if stateSummary == "" {
		stateSummary = "(home state unavailable)"
	}
	return fmt.Sprintf("Morning briefing request: %s\n\nCurrent home state:\n%s",
		now.Format("Monday 02 January 2006, 15:04"), stateSummary)
}

// alertTemplate is the user turn for a fired alert rule.
// Format verbs: (1) alert text, (2) rule description.
const alertTemplate = `An alert rule just fired: %s
Rule: %s
Tell the household in one or two sentences. Check related entities only if it helps explain the alert.`

// AlertRequest returns the user turn for a fired alert.
func AlertRequest(text, rule string) string {
	return fmt.Sprintf(alertTemplate, text, rule)
}

// webhookTemplate is the user turn for a Home Assistant webhook event.
// Format verbs: (1) title, (2) message, (3) entity line.
const webhookTemplate = `Home Assistant sent an event.
Title: %s
Message: %s%s
Tell the household what happened in one or two sentences. If it needs a decision from them, ask for it.`

// WebhookRequest returns the user turn for a webhook event.
func WebhookRequest(title, message, entityID string) string {
	var entity string
	if entityID != "" {
		entity = "\nEntity: " + entityID
	}
	if title == "" {
		title = "Home Assistant alert"
	}
	return fmt.Sprintf(webhookTemplate, title, message, entity)
}
