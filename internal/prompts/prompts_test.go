package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt(t *testing.T) {
	got := SystemPrompt(SystemParts{
		Personality: "You are Jarvis.",
		Conditions:  "Current conditions:\nTime: now",
		Entities:    "sensor.attic_temperature - attic",
		Memory:      "- prefers Celsius",
	})

	for _, want := range []string{
		"You are Jarvis.",
		"Time: now",
		"search_entities",
		"Never use markdown",
		"Entity reference:\nsensor.attic_temperature",
		"Your persistent memory notes:\n- prefers Celsius",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("SystemPrompt missing %q\nGot:\n%s", want, got)
		}
	}

	if strings.Index(got, "You are Jarvis.") > strings.Index(got, "Time: now") {
		t.Error("personality should precede conditions")
	}
}

func TestSystemPrompt_OmitsEmptySections(t *testing.T) {
	got := SystemPrompt(SystemParts{Personality: DefaultPersonality("Jarvis"), Direct: true})

	if strings.Contains(got, "Entity reference:") {
		t.Error("empty entity reference should be omitted")
	}
	if strings.Contains(got, "memory notes") {
		t.Error("empty memory should be omitted")
	}
	if strings.Contains(got, "search_entities") {
		t.Error("direct prompt should not mention tools")
	}
	if !strings.HasPrefix(got, "You are Jarvis, an AI smart home assistant.") {
		t.Errorf("unexpected prefix: %q", got)
	}
}

func TestBriefingRequest(t *testing.T) {
	now := time.Date(2026, 5, 4, 7, 30, 0, 0, time.UTC)
	got := BriefingRequest(now, "sensor.attic: 21 °C")

	if !strings.Contains(got, "Monday 04 May 2026, 07:30") {
		t.Errorf("briefing request should carry the date: %q", got)
	}
	if !strings.Contains(got, "sensor.attic: 21 °C") {
		t.Errorf("briefing request should carry state: %q", got)
	}
	if !strings.Contains(BriefingRequest(now, ""), "unavailable") {
		t.Error("empty summary should be marked unavailable")
	}
}

func TestWebhookRequest(t *testing.T) {
	got := WebhookRequest("", "Door left open", "binary_sensor.front_door")
	if !strings.Contains(got, "Title: Home Assistant alert") {
		t.Errorf("missing default title: %q", got)
	}
	if !strings.Contains(got, "Entity: binary_sensor.front_door") {
		t.Errorf("missing entity: %q", got)
	}
	if strings.Contains(WebhookRequest("t", "m", ""), "Entity:") {
		t.Error("entity line should be omitted when empty")
	}
}

func TestDelegateSystemPrompt(t *testing.T) {
	got := DelegateSystemPrompt("Jarvis", "Current conditions:\nTime: now")
	if !strings.Contains(got, "Jarvis's research sub-agent") {
		t.Errorf("missing bot name: %q", got)
	}
	if !strings.Contains(got, "cannot change anything") {
		t.Error("delegate prompt should state it is read-only")
	}
	if !strings.Contains(got, "Time: now") {
		t.Error("delegate prompt should include conditions")
	}
}
