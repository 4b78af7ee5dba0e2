package prompts

import (
	"fmt"
	"strings"
)

// delegateSystemTemplate frames the read-only sub-agent.
// Format verbs: (1) bot name, (2) current conditions.
const delegateSystemTemplate = `You are %s's research sub-agent for a Home Assistant smart home.
You handle tasks that need several lookups or careful reasoning. You can read entity states, history, statistics, your own documents and the Home Assistant config files. You cannot change anything; if the task needs a change, say exactly what should be changed and the main assistant will do it.
Work carefully and return a clear, complete summary of what you found.

%s

FORMATTING: Plain text only. No markdown.`

// DelegateSystemPrompt returns the sub-agent system prompt.
func DelegateSystemPrompt(botName, conditions string) string {
	return fmt.Sprintf(delegateSystemTemplate, botName, strings.TrimSpace(conditions))
}

// DelegateNoResult is returned when the sub-agent ends without text.
const DelegateNoResult = "The sub-agent finished without a result."
