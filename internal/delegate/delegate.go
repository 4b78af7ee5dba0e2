// Package delegate implements the delegation gate: a bounded, read-only
// sub-agent on the higher-capability model. It may look things up but
// never changes anything; its single text answer is folded back into
// the calling conversation as one tool result.
package delegate

import (
	"context"
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
	"github.com/nugget/jarvis/internal/tools"
)

// Exhaustion reason constants.
const (
	ExhaustMaxRounds   = "max_rounds"
	ExhaustTokenBudget = "token_budget"
	ExhaustWallClock   = "wall_clock"
)

const (
	defaultMaxRounds   = 8
	defaultMaxTokens   = 25000
	defaultMaxDuration = 2 * time.Minute
	defaultToolTimeout = 30 * time.Second
	defaultTemperature = 0.3
)

// Result is the outcome of a delegated task.
type Result struct {
	Content       string `json:"content"`
	Model         string `json:"model"`
	Rounds        int    `json:"rounds"`
	InputTokens   int    `json:"input_tokens"`
	OutputTokens  int    `json:"output_tokens"`
	Exhausted     bool   `json:"exhausted"`
	ExhaustReason string `json:"exhaust_reason,omitempty"`
}

// Config bounds the sub-agent.
type Config struct {
	Model       string
	BotName     string
	MaxRounds   int
	MaxTokens   int // cumulative output tokens
	MaxDuration time.Duration
	ToolTimeout time.Duration
	Location    *time.Location
}

// Executor runs delegated tasks.
type Executor struct {
	logger     *slog.Logger
	llm        llm.Client
	dispatcher *tools.Dispatcher
	store      *Store
	cfg        Config
	now        func() time.Time
}

// NewExecutor creates a delegate executor that dispatches through d
// with the read-only tool set.
func NewExecutor(logger *slog.Logger, client llm.Client, d *tools.Dispatcher, cfg Config) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.BotName == "" {
		cfg.BotName = "Jarvis"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Executor{
		logger:     logger,
		llm:        client,
		dispatcher: d,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetStore configures persistence. When set, every run is recorded.
func (e *Executor) SetStore(s *Store) {
	e.store = s
}

// Delegate runs task and returns the sub-agent's answer. It satisfies
// tools.Delegator.
func (e *Executor) Delegate(ctx context.Context, task string) (string, error) {
	res, err := e.Execute(ctx, task)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Content) == "" {
		return prompts.DelegateNoResult, nil
	}
	return res.Content, nil
}

// Execute runs a delegated task within the round, token and wall-clock
// budgets. A budget running out is not an error: the sub-agent is asked
// once, without tools, for what it has found so far.
func (e *Executor) Execute(ctx context.Context, task string) (*Result, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, errors.New("task is required")
	}

	did := newDelegateID()
	schemas := tools.Schemas(tools.ReadOnly)

	e.logger.Info("delegate started",
		"delegate_id", did,
		"task", truncate(task, 200),
		"tools_available", len(schemas),
	)

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.DelegateSystemPrompt(e.cfg.BotName, conditions.CurrentConditions(e.now(), e.cfg.Location))},
		{Role: llm.RoleUser, Content: task},
	}

	rec := &runRecord{
		delegateID:     did,
		conversationID: tools.ConversationIDFromContext(ctx),
		task:           task,
		model:          e.cfg.Model,
		startTime:      time.Now(),
	}

	for round := range e.cfg.MaxRounds {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("delegate cancelled: %w", err)
		}
		if time.Since(rec.startTime) > e.cfg.MaxDuration {
			e.logger.Warn("delegate wall clock exceeded",
				"delegate_id", did,
				"elapsed", time.Since(rec.startTime).Round(time.Millisecond),
				"max_duration", e.cfg.MaxDuration,
			)
			rec.rounds = round
			return e.forceTextResponse(ctx, messages, rec, ExhaustWallClock)
		}

		resp, err := e.llm.Chat(ctx, e.cfg.Model, messages, schemas,
			llm.WithTemperature(defaultTemperature))
		if err != nil {
			rec.rounds = round
			rec.messages = messages
			rec.errMsg = err.Error()
			e.recordCompletion(rec)
			return nil, fmt.Errorf("delegate model call failed (round %d): %w", round, err)
		}

		rec.input += resp.InputTokens
		rec.output += resp.OutputTokens
		metrics.ObserveTokens(resp.Model, resp.InputTokens, resp.OutputTokens)

		e.logger.Debug("delegate model response",
			"delegate_id", did,
			"round", round,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"tool_calls", len(resp.Message.ToolCalls),
		)

		if len(resp.Message.ToolCalls) == 0 {
			messages = append(messages, resp.Message)
			rec.rounds = round + 1
			rec.messages = messages
			rec.result = resp.Message.Content
			e.recordCompletion(rec)
			return rec.toResult(), nil
		}

		if rec.output >= e.cfg.MaxTokens {
			e.logger.Warn("delegate token budget exhausted",
				"delegate_id", did,
				"cumul_output", rec.output,
				"max_tokens", e.cfg.MaxTokens,
			)
			rec.rounds = round + 1
			return e.forceTextResponse(ctx, messages, rec, ExhaustTokenBudget)
		}

		messages = append(messages, resp.Message)
		for _, tc := range resp.Message.ToolCalls {
			toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
			res := e.dispatcher.Run(toolCtx, tc, tools.ReadOnly)
			cancel()
			if !res.OK {
				e.logger.Warn("delegate tool failed",
					"delegate_id", did,
					"tool", tc.Name,
					"error", res.Err,
				)
			}
			messages = append(messages, res.Message())
		}
	}

	e.logger.Warn("delegate max rounds reached",
		"delegate_id", did,
		"max_rounds", e.cfg.MaxRounds,
	)
	rec.rounds = e.cfg.MaxRounds
	return e.forceTextResponse(ctx, messages, rec, ExhaustMaxRounds)
}

// forceTextResponse makes a final call with tools withdrawn.
func (e *Executor) forceTextResponse(ctx context.Context, messages []llm.Message, rec *runRecord, reason string) (*Result, error) {
	rec.exhausted = true
	rec.exhaustReason = reason

	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompts.SynthesisNudge})
	resp, err := e.llm.Chat(ctx, e.cfg.Model, messages, nil, llm.WithTemperature(defaultTemperature))
	if err != nil {
		rec.result = "The sub-agent was unable to complete the task within its budget."
		rec.errMsg = err.Error()
		rec.messages = messages
		e.recordCompletion(rec)
		return rec.toResult(), nil
	}

	rec.input += resp.InputTokens
	rec.output += resp.OutputTokens
	rec.result = resp.Message.Content
	rec.messages = append(messages, resp.Message)
	e.recordCompletion(rec)
	return rec.toResult(), nil
}

// runRecord carries what is logged and persisted about one run.
type runRecord struct {
	delegateID     string
	conversationID string
	task           string
	model          string
	rounds         int
	input          int
	output         int
	exhausted      bool
	exhaustReason  string
	startTime      time.Time
	messages       []llm.Message
	result         string
	errMsg         string
}

func (r *runRecord) toResult() *Result {
	return &Result{
		Content:       r.result,
		Model:         r.model,
		Rounds:        r.rounds,
		InputTokens:   r.input,
		OutputTokens:  r.output,
		Exhausted:     r.exhausted,
		ExhaustReason: r.exhaustReason,
	}
}

// recordCompletion logs and optionally persists a run.
func (e *Executor) recordCompletion(rec *runRecord) {
	now := time.Now()
	elapsed := now.Sub(rec.startTime)

	e.logger.Info("delegate completed",
		"delegate_id", rec.delegateID,
		"conversation", rec.conversationID,
		"model", rec.model,
		"rounds", rec.rounds,
		"input_tokens", rec.input,
		"output_tokens", rec.output,
		"exhausted", rec.exhausted,
		"exhaust_reason", rec.exhaustReason,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	if e.store == nil {
		return
	}

	err := e.store.Record(&Record{
		ID:             rec.delegateID,
		ConversationID: rec.conversationID,
		Task:           rec.task,
		Model:          rec.model,
		Rounds:         rec.rounds,
		MaxRounds:      e.cfg.MaxRounds,
		InputTokens:    rec.input,
		OutputTokens:   rec.output,
		Exhausted:      rec.exhausted,
		ExhaustReason:  rec.exhaustReason,
		ToolsCalled:    ExtractToolsCalled(rec.messages),
		Messages:       rec.messages,
		Result:         rec.result,
		StartedAt:      rec.startTime,
		CompletedAt:    now,
		DurationMs:     elapsed.Milliseconds(),
		Error:          rec.errMsg,
	})
	if err != nil {
		e.logger.Warn("failed to persist delegation record",
			"delegate_id", rec.delegateID,
			"error", err,
		)
	}
}

func newDelegateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// truncate shortens a string to maxLen bytes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
