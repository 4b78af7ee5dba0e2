package prompts

import (
	"fmt"
	"strings"
)

// defaultPersonalityTemplate is used when the personality document is
// empty. Format verb: bot name.
const defaultPersonalityTemplate = "You are %s, an AI smart home assistant."

// DefaultPersonality returns the stand-in personality for botName.
func DefaultPersonality(botName string) string {
	return fmt.Sprintf(defaultPersonalityTemplate, botName)
}

// operatingTemplate is the fixed operating guidance that follows the
// personality in every conversation system prompt.
const operatingTemplate = `You have tools to read entity states, control devices, remember things, and edit Home Assistant config files.
To find entity IDs: use search_entities with a broad keyword. If search_entities returns nothing, try a different keyword, then get_states_by_domain, then get_state with a guessed ID. Never give up after one failed search; try at least 3 approaches.
When taking actions, confirm what you did in one sentence.
When asked questions, fetch live data. Never guess entity IDs without trying.

FORMATTING: Never use markdown. No bold, italics, tables, * bullets, # headers, backticks.

BREVITY: First sentence is the answer. Add context only if essential. Never say 'certainly', 'of course', 'happy to help', 'great question'. Just answer.`

// directTemplate replaces operatingTemplate when the message needs no
// tools at all.
const directTemplate = `Answer directly from the conversation; no live data is needed for this message.

FORMATTING: Never use markdown. Plain text only.

BREVITY: First sentence is the answer. Never say 'certainly', 'of course', 'happy to help', 'great question'.`

// SystemParts are the dynamic sections of a conversation system prompt.
// Empty sections are omitted.
type SystemParts struct {
	Personality string
	Conditions  string
	Entities    string
	Memory      string
	// Direct selects the tool-free operating guidance.
	Direct bool
}

// SystemPrompt assembles the conversation system prompt: personality,
// current conditions, operating guidance, entity reference and memory.
func SystemPrompt(p SystemParts) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.Personality))
	sb.WriteString("\n\n---\n\n")
	if c := strings.TrimSpace(p.Conditions); c != "" {
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}
	if p.Direct {
		sb.WriteString(directTemplate)
	} else {
		sb.WriteString(operatingTemplate)
	}
	if e := strings.TrimSpace(p.Entities); e != "" {
		sb.WriteString("\n\nEntity reference:\n")
		sb.WriteString(e)
	}
	if m := strings.TrimSpace(p.Memory); m != "" {
		sb.WriteString("\n\nYour persistent memory notes:\n")
		sb.WriteString(m)
	}
	return sb.String()
}
