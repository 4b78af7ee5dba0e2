package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "You are Jarvis."},
		{Role: RoleSystem, Content: "Local time is 07:30."},
		{Role: RoleUser, Content: "Hello!"},
		{Role: RoleAssistant, Content: "Hi there!"},
		{Role: RoleUser, Content: "Turn on the lights."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are Jarvis.\n\nLocal time is 07:30." {
		t.Errorf("system = %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first role = %s, want user", result[0].Role)
	}
	if result[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("second role = %s, want assistant", result[1].Role)
	}
}

func TestConvertToAnthropicGroupsToolResults(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "What's on?"},
		{
			Role: RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "get_state", Arguments: json.RawMessage(`{"entity_id":"light.kitchen"}`)},
				{ID: "toolu_2", Name: "get_state", Arguments: json.RawMessage(`{"entity_id":"light.porch"}`)},
			},
		},
		{Role: RoleTool, ToolCallID: "toolu_1", Content: "on"},
		{Role: RoleTool, ToolCallID: "toolu_2", Content: "entity not found", IsError: true},
		{Role: RoleAssistant, Content: "Kitchen light is on."},
	}

	result, _ := convertToAnthropic(messages)

	// user, assistant(tool_use x2), user(tool_result x2), assistant
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}
	if got := len(result[1].Content); got != 2 {
		t.Errorf("assistant blocks = %d, want 2", got)
	}
	if got := len(result[2].Content); got != 2 {
		t.Errorf("tool result blocks = %d, want 2", got)
	}
	if result[2].Content[0].OfToolResult == nil {
		t.Fatal("expected tool_result block")
	}
	if result[2].Content[0].OfToolResult.ToolUseID != "toolu_1" {
		t.Errorf("tool_use_id = %q", result[2].Content[0].OfToolResult.ToolUseID)
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "get_state",
				"description": "Get entity state",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"entity_id": map[string]any{"type": "string"},
					},
					"required": []string{"entity_id"},
				},
			},
		},
		{"type": "function"}, // malformed, skipped
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result))
	}
	tool := result[0].OfTool
	if tool == nil || tool.Name != "get_state" {
		t.Fatalf("unexpected tool: %+v", result[0])
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "entity_id" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	raw := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-haiku-4-5",
		"stop_reason": "tool_use",
		"content": [
			{"type": "text", "text": "Checking."},
			{"type": "tool_use", "id": "toolu_9", "name": "get_state", "input": {"entity_id": "sensor.living_room_temperature"}}
		],
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := convertFromAnthropic(&msg)

	if resp.Message.Content != "Checking." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "get_state" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		t.Fatalf("arguments: %v", err)
	}
	if args["entity_id"] != "sensor.living_room_temperature" {
		t.Errorf("entity_id = %q", args["entity_id"])
	}
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*MultiClient)(nil)
}
