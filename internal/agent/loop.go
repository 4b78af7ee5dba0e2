// Package agent implements the conversation loop: one bounded,
// tool-calling exchange with the capability model per inbound message.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/jarvis/internal/conditions"
	"github.com/nugget/jarvis/internal/llm"
	"github.com/nugget/jarvis/internal/metrics"
	"github.com/nugget/jarvis/internal/prompts"
	"github.com/nugget/jarvis/internal/router"
	"github.com/nugget/jarvis/internal/selfedit"
	"github.com/nugget/jarvis/internal/tools"
)

// Defaults applied by NewLoop for zero Config fields.
const (
	DefaultMaxTurns     = 20
	DefaultMaxTokens    = 1024
	DefaultRetryBackoff = 2 * time.Second
)

// Outcome describes how a cycle ended.
type Outcome string

// Cycle outcomes. ExhaustTurnCeiling is a normal ending, not an error:
// the loop stopped at the turn limit and answered with what it had.
const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeFallback    Outcome = "fallback"
	OutcomeDegraded    Outcome = "degraded"
	ExhaustTurnCeiling Outcome = "turn_ceiling"
)

// Request is one inbound message for the loop.
type Request struct {
	ConversationID string
	Origin         string // user, scheduled, webhook
	Text           string
	Tier           router.Tier

	// Prompt replaces the personality document when set. The briefing
	// job passes its instructions here.
	Prompt string

	// Model overrides Config.Model for this request.
	Model string
}

// Response is the delivered answer and an account of the cycle.
type Response struct {
	CycleID      string
	Content      string
	Model        string
	Tier         router.Tier
	Outcome      Outcome
	Turns        int
	Results      []tools.Result
	InputTokens  int
	OutputTokens int
}

// Mutated reports whether the cycle changed anything, in the house or
// in its own documents.
func (r *Response) Mutated() bool {
	for _, res := range r.Results {
		if res.OK && !res.Repeated && res.Class.Mutating() {
			return true
		}
	}
	return false
}

// Documents reads the self documents that shape every system prompt.
type Documents interface {
	Read(n selfedit.Name) (selfedit.Document, error)
}

// Config tunes the loop.
type Config struct {
	Model        string
	BotName      string
	MaxTurns     int
	MaxTokens    int
	Temperature  float64
	RetryBackoff time.Duration
	Location     *time.Location
}

// Loop runs conversation cycles. It is safe for concurrent use across
// conversations; callers serialize cycles within one conversation.
type Loop struct {
	logger     *slog.Logger
	llm        llm.Client
	dispatcher *tools.Dispatcher
	docs       Documents
	history    *History
	cfg        Config
	now        func() time.Time
}

// NewLoop creates a conversation loop. docs and history may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, dispatcher *tools.Dispatcher, docs Documents, history *History, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if history == nil {
		history = NewHistory(DefaultHistoryLimit)
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.BotName == "" {
		cfg.BotName = "Jarvis"
	}
	return &Loop{
		logger:     logger,
		llm:        client,
		dispatcher: dispatcher,
		docs:       docs,
		history:    history,
		cfg:        cfg,
		now:        time.Now,
	}
}

// History exposes the loop's conversation history.
func (l *Loop) History() *History { return l.history }

// cycle is the state of one Run.
type cycle struct {
	id       string
	model    string
	messages []llm.Message
	schemas  []map[string]any
	results  []tools.Result
	seen     map[string]tools.Result
	mutated  bool
	turns    int
	in, out  int
}

// Run handles one message end to end and returns the answer to
// deliver. When the model provider fails the degraded answer is
// returned together with the error.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	convID := req.ConversationID
	if convID == "" {
		convID = "default"
	}
	origin := req.Origin
	if origin == "" {
		origin = "user"
	}
	tier := req.Tier
	if tier == "" {
		tier = router.TierTools
	}
	ctx = tools.WithConversationID(ctx, convID)

	c := &cycle{
		id:    newCycleID(),
		model: req.Model,
		seen:  make(map[string]tools.Result),
	}
	if c.model == "" {
		c.model = l.cfg.Model
	}

	log := l.logger.With("cycle_id", c.id, "conversation", convID, "origin", origin, "tier", tier)
	log.Info("cycle started", "model", c.model, "chars", len(req.Text))

	c.messages = append(c.messages, llm.Message{Role: llm.RoleSystem, Content: l.systemPrompt(req, tier)})
	c.messages = append(c.messages, l.history.Get(convID)...)
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: req.Text})
	if tier != router.TierDirect {
		c.schemas = tools.Schemas(tools.AllowAll)
	}

	if tier == router.TierDelegate {
		l.routeToDelegate(ctx, c, req.Text)
	}

	answer, outcome, runErr := l.converse(ctx, c, log)

	resp := &Response{
		CycleID:      c.id,
		Model:        c.model,
		Tier:         tier,
		Outcome:      outcome,
		Turns:        c.turns,
		Results:      c.results,
		InputTokens:  c.in,
		OutputTokens: c.out,
	}

	if outcome == OutcomeDegraded {
		resp.Content = prompts.DegradedAnswer + Footer(c.results)
	} else {
		final := Finalize(answer, c.results, l.cfg.Location)
		resp.Content = final + Footer(c.results)
		l.history.Append(convID, req.Text, final)
	}

	metrics.CyclesTotal.WithLabelValues(origin, string(outcome)).Inc()
	metrics.CycleDuration.WithLabelValues(origin).Observe(time.Since(start).Seconds())

	log.Info("cycle completed",
		"outcome", outcome,
		"turns", c.turns,
		"tool_calls", len(c.results),
		"input_tokens", c.in,
		"output_tokens", c.out,
		"elapsed", time.Since(start),
	)
	if runErr != nil {
		return resp, runErr
	}
	return resp, nil
}

// converse drives the model until it answers without tool calls, the
// turn ceiling is reached, or the provider fails.
func (l *Loop) converse(ctx context.Context, c *cycle, log *slog.Logger) (string, Outcome, error) {
	for c.turns < l.cfg.MaxTurns {
		resp, err := l.chat(ctx, c, c.schemas, log)
		if err != nil {
			log.Error("model call failed, cycle degraded", "error", err, "mutated", c.mutated)
			return "", OutcomeDegraded, fmt.Errorf("cycle %s: %w", c.id, err)
		}

		if len(resp.Message.ToolCalls) == 0 {
			if strings.TrimSpace(resp.Message.Content) != "" {
				return resp.Message.Content, OutcomeAnswered, nil
			}
			log.Warn("empty model reply, nudging")
			return l.synthesize(ctx, c, log)
		}

		c.messages = append(c.messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})
		for _, tc := range resp.Message.ToolCalls {
			res := l.execute(ctx, c, tc, log)
			c.results = append(c.results, res)
			c.messages = append(c.messages, res.Message())
		}
		c.turns++
	}

	log.Warn("turn ceiling reached", "max_turns", l.cfg.MaxTurns)
	text, outcome, _ := l.synthesize(ctx, c, log)
	if outcome == OutcomeAnswered {
		return prompts.TaskIncomplete + "\n\n" + text, ExhaustTurnCeiling, nil
	}
	return prompts.TaskIncomplete, ExhaustTurnCeiling, nil
}

// synthesize asks once, with tools withdrawn, for an answer from what
// the cycle has already gathered.
func (l *Loop) synthesize(ctx context.Context, c *cycle, log *slog.Logger) (string, Outcome, error) {
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: prompts.SynthesisNudge})
	resp, err := l.chat(ctx, c, nil, log)
	if err != nil {
		log.Warn("synthesis failed", "error", err)
		return prompts.EmptyResponseFallback, OutcomeFallback, nil
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return prompts.EmptyResponseFallback, OutcomeFallback, nil
	}
	return resp.Message.Content, OutcomeAnswered, nil
}

// chat calls the model, retrying once after the backoff while the
// cycle has not yet executed a mutating call.
func (l *Loop) chat(ctx context.Context, c *cycle, schemas []map[string]any, log *slog.Logger) (*llm.ChatResponse, error) {
	opts := []llm.CallOption{llm.WithMaxTokens(l.cfg.MaxTokens), llm.WithTemperature(l.cfg.Temperature)}

	resp, err := l.llm.Chat(ctx, c.model, c.messages, schemas, opts...)
	if err != nil && !c.mutated && ctx.Err() == nil {
		log.Warn("model call failed, retrying", "error", err, "backoff", l.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.RetryBackoff):
		}
		resp, err = l.llm.Chat(ctx, c.model, c.messages, schemas, opts...)
	}
	if err != nil {
		return nil, err
	}

	c.in += resp.InputTokens
	c.out += resp.OutputTokens
	metrics.ObserveTokens(resp.Model, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// execute resolves one tool call. Identical calls within the cycle are
// not run twice: reads reuse the earlier result and mutations report
// that they already ran. A mutation invalidates every cached read, so a
// re-read after a change sees the new state.
func (l *Loop) execute(ctx context.Context, c *cycle, tc llm.ToolCall, log *slog.Logger) tools.Result {
	call, err := tools.Decode(tc.Name, tc.Arguments)
	if err != nil {
		log.Warn("invalid tool call", "tool", tc.Name, "error", err)
		metrics.ToolCallsTotal.WithLabelValues(tc.Name, "invalid").Inc()
		return tools.Failed(tc, err)
	}

	id := tools.Identity(call)
	if prev, ok := c.seen[id]; ok {
		log.Info("repeated tool call", "tool", tc.Name, "class", call.Class())
		metrics.ToolCallsTotal.WithLabelValues(tc.Name, "repeated").Inc()
		prev.CallID = tc.ID
		prev.Repeated = true
		if call.Class().Mutating() {
			prev.Content = fmt.Sprintf(prompts.AlreadyExecuted, prev.Content)
		}
		return prev
	}

	res := l.dispatcher.RunCall(ctx, tc.ID, call)
	if call.Class().Mutating() {
		c.mutated = true
		c.forgetReads()
	}
	c.seen[id] = res
	return res
}

// forgetReads drops cached read results. Mutation entries stay so a
// repeated change is still reported instead of re-run.
func (c *cycle) forgetReads() {
	for id, res := range c.seen {
		if !res.Class.Mutating() {
			delete(c.seen, id)
		}
	}
}

// routeToDelegate hands the whole request to the delegation gate before
// the first model turn and folds its answer in as one tool result, so
// any change it recommends still goes through the primary dispatch.
func (l *Loop) routeToDelegate(ctx context.Context, c *cycle, task string) {
	args, _ := json.Marshal(map[string]string{"task": task})
	tc := llm.ToolCall{ID: "delegate-" + c.id, Name: tools.NameDelegate, Arguments: args}

	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{tc}})
	res := l.dispatcher.Run(ctx, tc, tools.AllowAll)
	c.seen[tools.Identity(&tools.Delegate{Task: task})] = res
	c.results = append(c.results, res)
	c.messages = append(c.messages, res.Message())
}

// systemPrompt assembles the system message fresh for every cycle so
// document edits apply to the next message.
func (l *Loop) systemPrompt(req Request, tier router.Tier) string {
	personality := req.Prompt
	if personality == "" {
		personality = l.readDoc(selfedit.Personality)
	}
	if strings.TrimSpace(personality) == "" {
		personality = prompts.DefaultPersonality(l.cfg.BotName)
	}

	parts := prompts.SystemParts{
		Personality: personality,
		Conditions:  conditions.CurrentConditions(l.now(), l.cfg.Location),
		Memory:      l.readDoc(selfedit.Memory),
		Direct:      tier == router.TierDirect,
	}
	if tier != router.TierDirect {
		parts.Entities = l.readDoc(selfedit.Entities)
	}
	return prompts.SystemPrompt(parts)
}

func (l *Loop) readDoc(n selfedit.Name) string {
	if l.docs == nil {
		return ""
	}
	doc, err := l.docs.Read(n)
	if err != nil {
		l.logger.Warn("failed to read document", "document", n, "error", err)
		return ""
	}
	return doc.Content
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ErrNoAnswer is returned by Ask when a cycle produced nothing to say.
var ErrNoAnswer = errors.New("no answer produced")

// Ask runs a single-shot user request on a throwaway conversation.
func (l *Loop) Ask(ctx context.Context, text string, tier router.Tier) (string, error) {
	resp, err := l.Run(ctx, Request{ConversationID: "cli", Origin: "user", Text: text, Tier: tier})
	if resp == nil {
		return "", err
	}
	if resp.Content == "" {
		return "", ErrNoAnswer
	}
	return resp.Content, err
}
