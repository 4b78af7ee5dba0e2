package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/jarvis/internal/homeassistant"
	"github.com/nugget/jarvis/internal/llm"
	"github.com/nugget/jarvis/internal/prompts"
	"github.com/nugget/jarvis/internal/router"
	"github.com/nugget/jarvis/internal/selfedit"
	"github.com/nugget/jarvis/internal/tools"
)

type mockReply struct {
	resp *llm.ChatResponse
	err  error
}

type mockLLM struct {
	mu        sync.Mutex
	replies   []mockReply
	callIndex int
	calls     []mockLLMCall
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
}

func (m *mockLLM) Chat(_ context.Context, model string, msgs []llm.Message, td []map[string]any, _ ...llm.CallOption) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: append([]llm.Message(nil), msgs...), Tools: td})

	if m.callIndex >= len(m.replies) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", m.callIndex)
	}
	r := m.replies[m.callIndex]
	m.callIndex++
	return r.resp, r.err
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func reply(content string) mockReply {
	return mockReply{resp: &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		InputTokens:  100,
		OutputTokens: 10,
	}}
}

func toolCalls(calls ...llm.ToolCall) mockReply {
	return mockReply{resp: &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}}
}

func call(id, name string, args map[string]any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: id, Name: name, Arguments: raw}
}

type fakeHA struct {
	mu       sync.Mutex
	states   map[string]homeassistant.State
	gets     int
	services []string
}

func (f *fakeHA) GetState(_ context.Context, id string) (*homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	s, ok := f.states[id]
	if !ok {
		return nil, &homeassistant.APIError{Path: "/api/states/" + id, StatusCode: 404}
	}
	return &s, nil
}

func (f *fakeHA) GetStatesByDomain(context.Context, string) ([]homeassistant.State, error) {
	return nil, nil
}

func (f *fakeHA) SearchEntities(context.Context, string, int) ([]homeassistant.State, error) {
	return nil, nil
}

func (f *fakeHA) History(context.Context, string, time.Time) ([]homeassistant.HistoryPoint, error) {
	return nil, nil
}

func (f *fakeHA) CallService(_ context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = append(f.services, domain+"."+service)

	id, _ := data["entity_id"].(string)
	st, ok := f.states[id]
	if !ok {
		return nil, nil
	}
	switch service {
	case "turn_on":
		st.State = "on"
	case "turn_off":
		st.State = "off"
	}
	f.states[id] = st
	return []homeassistant.State{st}, nil
}

type fakeDocs map[selfedit.Name]string

func (d fakeDocs) Read(n selfedit.Name) (selfedit.Document, error) {
	return selfedit.Document{Name: n, Content: d[n]}, nil
}

type fakeDelegator struct {
	tasks []string
}

func (f *fakeDelegator) Delegate(_ context.Context, task string) (string, error) {
	f.tasks = append(f.tasks, task)
	return "the attic has been above 30 for three days", nil
}

func newFakeHA() *fakeHA {
	return &fakeHA{states: map[string]homeassistant.State{
		"sensor.attic_temperature": {
			EntityID:   "sensor.attic_temperature",
			State:      "21.4",
			Attributes: map[string]any{"unit_of_measurement": "°C", "friendly_name": "Attic"},
		},
	}}
}

func buildTestLoop(mock *mockLLM, ha *fakeHA, docs Documents) *Loop {
	d := tools.NewDispatcher(tools.Deps{HA: ha, Logger: slog.Default()})
	return NewLoop(slog.Default(), mock, d, docs, NewHistory(0), Config{
		Model:        "test-model",
		BotName:      "Jarvis",
		RetryBackoff: time.Millisecond,
		Location:     time.UTC,
	})
}

func TestRun_DirectTierSendsNoTools(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{reply("Hello.")}}
	loop := buildTestLoop(mock, newFakeHA(), fakeDocs{selfedit.Entities: "sensor.attic_temperature"})

	resp, err := loop.Run(context.Background(), Request{ConversationID: "chat", Text: "hi", Tier: router.TierDirect})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != "Hello." {
		t.Errorf("Content = %q, want %q", resp.Content, "Hello.")
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 LLM call, got %d", len(mock.calls))
	}
	if mock.calls[0].Tools != nil {
		t.Errorf("direct tier should send no tools, got %d", len(mock.calls[0].Tools))
	}
	if strings.Contains(mock.calls[0].Messages[0].Content, "Entity reference:") {
		t.Error("direct tier should not include the entity reference")
	}
	if resp.Outcome != OutcomeAnswered {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, OutcomeAnswered)
	}
}

func TestRun_ToolCallThenAnswer(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameGetState, map[string]any{"entity_id": "sensor.attic_temperature"})),
		reply("The **attic** is 21.4."),
	}}
	ha := newFakeHA()
	loop := buildTestLoop(mock, ha, fakeDocs{selfedit.Entities: "sensor.attic_temperature - attic"})

	resp, err := loop.Run(context.Background(), Request{ConversationID: "chat", Text: "how warm is the attic?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := "The attic is 21.4°C.\n\n(checked 1 source)"
	if resp.Content != want {
		t.Errorf("Content = %q, want %q", resp.Content, want)
	}
	if resp.Turns != 1 {
		t.Errorf("Turns = %d, want 1", resp.Turns)
	}
	if len(mock.calls[0].Tools) == 0 {
		t.Error("tools tier should send tool schemas")
	}
	if !strings.Contains(mock.calls[0].Messages[0].Content, "Entity reference:") {
		t.Error("tools tier should include the entity reference")
	}

	// The second call must carry the assistant tool call and its result.
	second := mock.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call-1" {
		t.Fatalf("last message = %+v, want tool result for call-1", last)
	}
	if !strings.Contains(last.Content, "State: 21.4") {
		t.Errorf("tool result = %q, want entity state", last.Content)
	}
}

func TestRun_MutatingCallExecutesOnce(t *testing.T) {
	on := map[string]any{"domain": "switch", "service": "turn_on", "entity_id": "switch.spa"}
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameCallService, on), call("call-2", tools.NameCallService, on)),
		toolCalls(call("call-3", tools.NameCallService, on)),
		reply("The spa is on."),
	}}
	ha := newFakeHA()
	loop := buildTestLoop(mock, ha, nil)

	resp, err := loop.Run(context.Background(), Request{Text: "turn on the spa"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(ha.services) != 1 {
		t.Fatalf("service called %d times, want 1: %v", len(ha.services), ha.services)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	for i, r := range resp.Results[1:] {
		if !r.Repeated {
			t.Errorf("result %d should be marked repeated", i+1)
		}
		if !strings.Contains(r.Content, "Already executed") {
			t.Errorf("result %d content = %q, want already-executed note", i+1, r.Content)
		}
	}
	if resp.Results[1].CallID != "call-2" {
		t.Errorf("repeated result CallID = %q, want call-2", resp.Results[1].CallID)
	}
	if !strings.HasSuffix(resp.Content, "(switch on)") {
		t.Errorf("Content = %q, want footer (switch on)", resp.Content)
	}
}

func TestRun_ReadCallsDeduplicated(t *testing.T) {
	args := map[string]any{"entity_id": "sensor.attic_temperature"}
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameGetState, args)),
		toolCalls(call("call-2", tools.NameGetState, args)),
		reply("Still 21.4."),
	}}
	ha := newFakeHA()
	loop := buildTestLoop(mock, ha, nil)

	resp, err := loop.Run(context.Background(), Request{Text: "attic?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if ha.gets != 1 {
		t.Errorf("GetState called %d times, want 1", ha.gets)
	}
	if r := resp.Results[1]; !r.Repeated || !strings.Contains(r.Content, "State: 21.4") {
		t.Errorf("second read = %+v, want reused result", r)
	}
}

func TestRun_ReadAfterMutationIsFresh(t *testing.T) {
	read := map[string]any{"entity_id": "switch.spa"}
	on := map[string]any{"domain": "switch", "service": "turn_on", "entity_id": "switch.spa"}
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameGetState, read)),
		toolCalls(call("call-2", tools.NameCallService, on)),
		toolCalls(call("call-3", tools.NameGetState, read)),
		toolCalls(call("call-4", tools.NameCallService, on)),
		reply("The spa is on."),
	}}
	ha := newFakeHA()
	ha.states["switch.spa"] = homeassistant.State{EntityID: "switch.spa", State: "off"}
	loop := buildTestLoop(mock, ha, nil)

	resp, err := loop.Run(context.Background(), Request{Text: "turn on the spa and check it"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(resp.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(resp.Results))
	}

	if ha.gets != 2 {
		t.Errorf("GetState called %d times, want 2", ha.gets)
	}
	reread := resp.Results[2]
	if reread.Repeated {
		t.Error("read after a mutation reused the cached result")
	}
	if !strings.Contains(reread.Content, "State: on") {
		t.Errorf("re-read content = %q, want the post-mutation state", reread.Content)
	}

	// The mutation itself is still not repeated.
	if len(ha.services) != 1 {
		t.Errorf("service called %d times, want 1: %v", len(ha.services), ha.services)
	}
	if !resp.Results[3].Repeated {
		t.Error("second turn_on should be reported as already executed")
	}
}

func TestRun_ReadSelfAfterWriteSelf(t *testing.T) {
	store, err := selfedit.NewStore(t.TempDir(), slog.Default())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Write(selfedit.Memory, "- old note\n", false); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	read := map[string]any{"document": "memory"}
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameReadSelf, read)),
		toolCalls(call("call-2", tools.NameWriteSelf, map[string]any{"document": "memory", "content": "- new note\n"})),
		toolCalls(call("call-3", tools.NameReadSelf, read)),
		reply("Updated."),
	}}
	d := tools.NewDispatcher(tools.Deps{Documents: store, Logger: slog.Default()})
	loop := NewLoop(slog.Default(), mock, d, store, NewHistory(0), Config{
		Model:        "test-model",
		RetryBackoff: time.Millisecond,
		Location:     time.UTC,
	})

	resp, err := loop.Run(context.Background(), Request{Text: "replace my notes"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	if got := resp.Results[2].Content; !strings.Contains(got, "new note") || strings.Contains(got, "old note") {
		t.Errorf("read_self after write_self = %q, want the new document", got)
	}
}

func TestRun_InvalidCallNotExecuted(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameCallService, map[string]any{"domain": "switch", "service": "turn_on"})),
		reply("I need to know which switch."),
	}}
	ha := newFakeHA()
	loop := buildTestLoop(mock, ha, nil)

	resp, err := loop.Run(context.Background(), Request{Text: "turn it on"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(ha.services) != 0 {
		t.Fatalf("invalid call reached Home Assistant: %v", ha.services)
	}
	r := resp.Results[0]
	if r.OK || !errors.Is(r.Err, tools.ErrValidation) {
		t.Errorf("result = %+v, want validation failure", r)
	}
	msgs := mock.calls[1].Messages
	if last := msgs[len(msgs)-1]; !last.IsError {
		t.Error("tool message for invalid call should be marked as an error")
	}
	if strings.Contains(resp.Content, "(") {
		t.Errorf("failed calls should not appear in the footer: %q", resp.Content)
	}
}

func TestRun_EmptyReplyNudge(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameGetState, map[string]any{"entity_id": "sensor.attic_temperature"})),
		reply(""),
		reply("It's 21.4 in the attic."),
	}}
	loop := buildTestLoop(mock, newFakeHA(), nil)

	resp, err := loop.Run(context.Background(), Request{Text: "attic?"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(mock.calls))
	}

	nudge := mock.calls[2]
	if nudge.Tools != nil {
		t.Error("nudge call should withdraw tools")
	}
	if last := nudge.Messages[len(nudge.Messages)-1]; last.Role != llm.RoleUser || last.Content != prompts.SynthesisNudge {
		t.Errorf("last message = %+v, want synthesis nudge", last)
	}
	if !strings.HasPrefix(resp.Content, "It's 21.4°C in the attic.") {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestRun_EmptyReplyFallback(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{reply(""), reply("   ")}}
	loop := buildTestLoop(mock, newFakeHA(), nil)

	resp, err := loop.Run(context.Background(), Request{Text: "hmm"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Content != prompts.EmptyResponseFallback {
		t.Errorf("Content = %q, want fallback", resp.Content)
	}
	if resp.Outcome != OutcomeFallback {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, OutcomeFallback)
	}
}

func TestRun_TurnCeiling(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameGetState, map[string]any{"entity_id": "sensor.attic_temperature"})),
		toolCalls(call("call-2", tools.NameGetState, map[string]any{"entity_id": "sensor.lounge"})),
		reply("The attic is warm; the lounge sensor is missing."),
	}}
	loop := buildTestLoop(mock, newFakeHA(), nil)
	loop.cfg.MaxTurns = 2

	resp, err := loop.Run(context.Background(), Request{Text: "check everything"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Outcome != ExhaustTurnCeiling {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, ExhaustTurnCeiling)
	}
	if resp.Turns != 2 {
		t.Errorf("Turns = %d, want 2", resp.Turns)
	}
	if !strings.HasPrefix(resp.Content, prompts.TaskIncomplete) {
		t.Errorf("Content = %q, want task-incomplete prefix", resp.Content)
	}
	if !strings.Contains(resp.Content, "lounge sensor is missing") {
		t.Errorf("Content = %q, want partial findings", resp.Content)
	}
	if mock.calls[2].Tools != nil {
		t.Error("synthesis after the ceiling should withdraw tools")
	}
}

func TestRun_ProviderErrorRetriedOnce(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		{err: &llm.ProviderError{Provider: "anthropic", Model: "test-model", StatusCode: 529, Err: errors.New("overloaded")}},
		reply("Done."),
	}}
	loop := buildTestLoop(mock, newFakeHA(), nil)

	resp, err := loop.Run(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Errorf("expected 2 LLM calls, got %d", len(mock.calls))
	}
	if resp.Content != "Done." {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestRun_NoRetryAfterMutation(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{
		toolCalls(call("call-1", tools.NameCallService, map[string]any{"domain": "switch", "service": "turn_off", "entity_id": "switch.spa"})),
		{err: errors.New("connection reset")},
		reply("should not be reached"),
	}}
	ha := newFakeHA()
	loop := buildTestLoop(mock, ha, nil)

	resp, err := loop.Run(context.Background(), Request{ConversationID: "chat", Text: "spa off"})
	if err == nil {
		t.Fatal("Run() should report the provider failure")
	}
	if len(mock.calls) != 2 {
		t.Errorf("expected 2 LLM calls (no retry), got %d", len(mock.calls))
	}
	if resp.Outcome != OutcomeDegraded {
		t.Errorf("Outcome = %q, want %q", resp.Outcome, OutcomeDegraded)
	}
	if !strings.HasPrefix(resp.Content, prompts.DegradedAnswer) {
		t.Errorf("Content = %q, want degraded answer", resp.Content)
	}
	if !strings.HasSuffix(resp.Content, "(switch off)") {
		t.Errorf("Content = %q, want footer of what already ran", resp.Content)
	}
	if n := loop.History().Len("chat"); n != 0 {
		t.Errorf("degraded cycle should not enter history, got %d messages", n)
	}
}

func TestRun_DelegateTier(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{reply("The attic has been hot all week.")}}
	ha := newFakeHA()
	d := tools.NewDispatcher(tools.Deps{HA: ha})
	dl := &fakeDelegator{}
	d.SetDelegator(dl)
	loop := NewLoop(slog.Default(), mock, d, nil, nil, Config{Model: "test-model"})

	resp, err := loop.Run(context.Background(), Request{Text: "analyse the attic this week", Tier: router.TierDelegate})
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(dl.tasks) != 1 || dl.tasks[0] != "analyse the attic this week" {
		t.Fatalf("delegated tasks = %v", dl.tasks)
	}

	msgs := mock.calls[0].Messages
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleTool || !strings.Contains(last.Content, "above 30") {
		t.Errorf("first model call should see the delegate result, got %+v", last)
	}
	if !strings.HasSuffix(resp.Content, "(delegated)") {
		t.Errorf("Content = %q, want (delegated) footer", resp.Content)
	}
}

func TestRun_SystemPromptFromDocuments(t *testing.T) {
	docs := fakeDocs{
		selfedit.Personality: "You are Testbot, dry and brief.",
		selfedit.Memory:      "- spa target is 38",
	}

	tests := []struct {
		name    string
		req     Request
		want    []string
		notWant []string
	}{
		{
			name:    "personality",
			req:     Request{Text: "hi"},
			want:    []string{"You are Testbot, dry and brief.", "- spa target is 38", "All Home Assistant timestamps are UTC"},
			notWant: []string{"AI smart home assistant"},
		},
		{
			name:    "briefing override",
			req:     Request{Text: "briefing", Prompt: "Write the morning briefing."},
			want:    []string{"Write the morning briefing.", "- spa target is 38"},
			notWant: []string{"Testbot"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{replies: []mockReply{reply("ok")}}
			loop := buildTestLoop(mock, newFakeHA(), docs)

			if _, err := loop.Run(context.Background(), tt.req); err != nil {
				t.Fatalf("Run() error: %v", err)
			}
			sys := mock.calls[0].Messages[0]
			if sys.Role != llm.RoleSystem {
				t.Fatalf("first message role = %q", sys.Role)
			}
			for _, w := range tt.want {
				if !strings.Contains(sys.Content, w) {
					t.Errorf("system prompt missing %q", w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(sys.Content, w) {
					t.Errorf("system prompt should not contain %q", w)
				}
			}
		})
	}
}

func TestRun_DefaultPersonality(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{reply("ok")}}
	loop := buildTestLoop(mock, newFakeHA(), fakeDocs{})

	if _, err := loop.Run(context.Background(), Request{Text: "hi"}); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if sys := mock.calls[0].Messages[0].Content; !strings.HasPrefix(sys, "You are Jarvis, an AI smart home assistant.") {
		t.Errorf("system prompt = %q, want default personality", sys[:60])
	}
}

func TestRun_HistoryCarriesAcrossCycles(t *testing.T) {
	mock := &mockLLM{replies: []mockReply{reply("It's 21."), reply("Yes, still 21.")}}
	loop := buildTestLoop(mock, newFakeHA(), nil)
	ctx := context.Background()

	if _, err := loop.Run(ctx, Request{ConversationID: "chat", Text: "attic temp?", Tier: router.TierDirect}); err != nil {
		t.Fatalf("first Run() error: %v", err)
	}
	if _, err := loop.Run(ctx, Request{ConversationID: "chat", Text: "still?", Tier: router.TierDirect}); err != nil {
		t.Fatalf("second Run() error: %v", err)
	}

	msgs := mock.calls[1].Messages
	// system, prior user, prior assistant, current user
	if len(msgs) != 4 {
		t.Fatalf("second call has %d messages, want 4", len(msgs))
	}
	if msgs[1].Content != "attic temp?" || msgs[2].Content != "It's 21." {
		t.Errorf("history = %+v", msgs[1:3])
	}

	// Another conversation starts fresh.
	mock.replies = append(mock.replies, reply("Hi."))
	if _, err := loop.Run(ctx, Request{ConversationID: "other", Text: "hi", Tier: router.TierDirect}); err != nil {
		t.Fatalf("third Run() error: %v", err)
	}
	if n := len(mock.calls[2].Messages); n != 2 {
		t.Errorf("other conversation has %d messages, want 2", n)
	}
}
