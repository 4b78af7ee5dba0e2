// Package router classifies inbound work with the cheapest configured
// model before the conversation loop decides how much capability to
// spend on it.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/jarvis/internal/llm"
	"github.com/nugget/jarvis/internal/metrics"
)

// Tier is how much capability a chat message needs.
type Tier string

// Tiers, cheapest first.
const (
	TierDirect   Tier = "direct"   // answerable without tools
	TierTools    Tier = "tools"    // needs live or historical home state
	TierDelegate Tier = "delegate" // needs the higher-capability sub-agent
)

// ParseTier reads the first word of a model answer as a tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(firstWord(s)) {
	case TierDirect:
		return TierDirect, true
	case TierTools:
		return TierTools, true
	case TierDelegate:
		return TierDelegate, true
	}
	return "", false
}

// Action is what to do with an inbound Home Assistant event.
type Action string

// Event actions.
const (
	ActionIgnore     Action = "ignore"
	ActionLog        Action = "log"
	ActionNotify     Action = "notify"
	ActionNeedsInput Action = "needs_input"
)

// ParseAction reads the first word of a model answer as an action.
func ParseAction(s string) (Action, bool) {
	switch Action(firstWord(s)) {
	case ActionIgnore:
		return ActionIgnore, true
	case ActionLog:
		return ActionLog, true
	case ActionNotify:
		return ActionNotify, true
	case ActionNeedsInput:
		return ActionNeedsInput, true
	}
	return "", false
}

// Delivers reports whether the event should run a cycle and reach the
// user.
func (a Action) Delivers() bool {
	return a == ActionNotify || a == ActionNeedsInput
}

func firstWord(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], `."'*:,`)
}

// Complexity categorizes query difficulty.
type Complexity int

const (
	ComplexitySimple   Complexity = iota // Direct command, single action
	ComplexityModerate                   // Multi-step or needs context
	ComplexityComplex                    // Reasoning, analysis, explanation
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Decision records one classification.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "message" or "event"

	// Input analysis
	QueryLength    int        `json:"query_length"`
	DetectedIntent string     `json:"detected_intent,omitempty"`
	Complexity     Complexity `json:"complexity"`

	// Outcome
	Tier      Tier   `json:"tier,omitempty"`
	Action    Action `json:"action,omitempty"`
	Model     string `json:"model,omitempty"`
	Raw       string `json:"raw,omitempty"`
	Reasoning string `json:"reasoning"`
	Failed    bool   `json:"failed,omitempty"` // degraded to the default

	LatencyMs int64 `json:"latency_ms"`
}

// Config holds router configuration.
type Config struct {
	Model         string        // Cheapest classification model
	FallbackModel string        // Tried when Model fails
	Timeout       time.Duration // Bound on one classification
	MaxAuditLog   int           // How many decisions to keep in memory
	Location      *time.Location
}

// Router classifies messages and events.
type Router struct {
	logger *slog.Logger
	client llm.Client
	config Config
	now    func() time.Time

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	TierCounts    map[string]int64 `json:"tier_counts"`
	ActionCounts  map[string]int64 `json:"action_counts"`
	Failures      int64            `json:"failures"`
	AvgLatencyMs  int64            `json:"avg_latency_ms"`
}

// NewRouter creates a router that classifies with client.
func NewRouter(logger *slog.Logger, client llm.Client, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	return &Router{
		logger:   logger,
		client:   client,
		config:   config,
		now:      time.Now,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats: Stats{
			TierCounts:   make(map[string]int64),
			ActionCounts: make(map[string]int64),
		},
	}
}

const tierPrompt = `You route messages for a home-automation assistant. Reply with EXACTLY one word:
- "direct"   - small talk or general knowledge; no home data needed
- "tools"    - needs current or historical home state, or controls a device
- "delegate" - multi-step investigation, writing or refactoring automations, or deep reasoning over history
When unsure, answer "tools".`

const eventPrompt = `You classify incoming Home Assistant events for a home-automation assistant.
Reply with EXACTLY one word:
- "notify"      - the user needs to know now (security, urgent, unexpected)
- "needs_input" - requires a user decision (e.g. "spa has been on 6 hours, intentional?")
- "log"         - worth recording but not urgent
- "ignore"      - routine, expected, or low importance
Security events (door, moisture, lock) at unusual hours: notify.
Routine power toggles or expected climate adjustments: log or ignore.`

// Classify picks a tier for a chat message. It never calls a tool and
// never fails: empty input, timeouts, provider errors and unparseable
// answers all yield TierTools.
func (r *Router) Classify(ctx context.Context, text string) Decision {
	d := r.newDecision("message", text)

	if strings.TrimSpace(text) == "" {
		d.Tier = TierTools
		d.Reasoning = "empty_input"
		r.recordDecision(d)
		return d
	}

	raw, model, err := r.ask(ctx, tierPrompt, text)
	d.LatencyMs = r.now().Sub(d.Timestamp).Milliseconds()
	d.Model, d.Raw = model, raw

	switch tier, ok := ParseTier(raw); {
	case err != nil:
		d.Tier, d.Failed = TierTools, true
		d.Reasoning = "classification failed: " + err.Error()
	case !ok:
		d.Tier, d.Failed = TierTools, true
		d.Reasoning = fmt.Sprintf("unparseable answer %q", raw)
	default:
		d.Tier = tier
		d.Reasoning = fmt.Sprintf("%s classified %s %s query", model, d.Complexity, d.DetectedIntent)
	}

	r.recordDecision(d)
	metrics.TriageDecisionsTotal.WithLabelValues(string(d.Tier)).Inc()

	r.logger.Info("message triaged",
		"request_id", d.RequestID,
		"tier", d.Tier,
		"model", d.Model,
		"failed", d.Failed,
		"complexity", d.Complexity.String(),
		"elapsed_ms", d.LatencyMs,
	)
	return d
}

// Event is the part of an inbound event the classifier looks at.
type Event struct {
	Title    string
	Message  string
	EntityID string
}

// ClassifyEvent decides what to do with a Home Assistant event.
// Failures default to ActionNotify so nothing important is dropped.
func (r *Router) ClassifyEvent(ctx context.Context, ev Event, homeState string) Decision {
	d := r.newDecision("event", ev.Message)

	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", r.now().In(r.config.Location).Format("Monday 15:04"))
	fmt.Fprintf(&b, "Event title: %s\n", ev.Title)
	fmt.Fprintf(&b, "Event message: %s\n", ev.Message)
	fmt.Fprintf(&b, "Entity: %s\n", ev.EntityID)
	if homeState != "" {
		fmt.Fprintf(&b, "\nRelevant home state:\n%s", homeState)
	}

	raw, model, err := r.ask(ctx, eventPrompt, b.String())
	d.LatencyMs = r.now().Sub(d.Timestamp).Milliseconds()
	d.Model, d.Raw = model, raw

	switch action, ok := ParseAction(raw); {
	case err != nil:
		d.Action, d.Failed = ActionNotify, true
		d.Reasoning = "classification failed: " + err.Error()
	case !ok:
		d.Action, d.Failed = ActionNotify, true
		d.Reasoning = fmt.Sprintf("unparseable answer %q", raw)
	default:
		d.Action = action
		d.Reasoning = model + " classified event"
	}

	r.recordDecision(d)
	r.logger.Info("event triaged",
		"request_id", d.RequestID,
		"action", d.Action,
		"entity_id", ev.EntityID,
		"failed", d.Failed,
		"elapsed_ms", d.LatencyMs,
	)
	return d
}

// ask runs one bounded, tool-less, deterministic classification call.
func (r *Router) ask(ctx context.Context, system, user string) (string, string, error) {
	if r.client == nil {
		return "", "", fmt.Errorf("no triage client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	resp, err := llm.ChatWithFallback(ctx, r.client,
		[]string{r.config.Model, r.config.FallbackModel},
		[]llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: user},
		},
		r.logger,
		llm.WithMaxTokens(10),
		llm.WithTemperature(0),
	)
	if err != nil {
		return "", "", err
	}
	metrics.ObserveTokens(resp.Model, resp.InputTokens, resp.OutputTokens)
	return strings.TrimSpace(resp.Message.Content), resp.Model, nil
}

func (r *Router) newDecision(kind, text string) Decision {
	return Decision{
		RequestID:      newRequestID(),
		Timestamp:      r.now(),
		Kind:           kind,
		QueryLength:    len(text),
		Complexity:     analyzeComplexity(text),
		DetectedIntent: detectIntent(text),
	}
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// analyzeComplexity estimates query difficulty. It is recorded for the
// audit log; the model decides the tier.
func analyzeComplexity(query string) Complexity {
	q := strings.ToLower(query)

	complexWords := []string{"explain", "why", "analyze", "compare", "pattern", "trend", "recommend", "refactor", "automation"}
	for _, w := range complexWords {
		if strings.Contains(q, w) {
			return ComplexityComplex
		}
	}

	simplePatterns := []string{"turn on", "turn off", "set ", "lock", "unlock", "open", "close"}
	for _, p := range simplePatterns {
		if strings.Contains(q, p) {
			return ComplexitySimple
		}
	}

	return ComplexityModerate
}

// detectIntent identifies the likely action type.
func detectIntent(query string) string {
	q := strings.ToLower(query)

	switch {
	case strings.Contains(q, "turn on") || strings.Contains(q, "turn off"):
		return "device_control"
	case strings.Contains(q, "lock") || strings.Contains(q, "unlock"):
		return "security"
	case strings.Contains(q, "temperature") || strings.Contains(q, "thermostat"):
		return "climate"
	case strings.Contains(q, "energy") || strings.Contains(q, "usage") || strings.Contains(q, "power"):
		return "energy"
	case strings.Contains(q, "who") || strings.Contains(q, "where") || strings.Contains(q, "home"):
		return "presence"
	case strings.Contains(q, "when") || strings.Contains(q, "time") || strings.Contains(q, "last"):
		return "temporal"
	default:
		return "general"
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	if d.Tier != "" {
		r.stats.TierCounts[string(d.Tier)]++
	}
	if d.Action != "" {
		r.stats.ActionCounts[string(d.Action)]++
	}
	if d.Failed {
		r.stats.Failures++
	}
	// Running mean over every request.
	n := r.stats.TotalRequests
	r.stats.AvgLatencyMs += (d.LatencyMs - r.stats.AvgLatencyMs) / n
}

// GetAuditLog returns recent decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.TierCounts = make(map[string]int64, len(r.stats.TierCounts))
	for k, v := range r.stats.TierCounts {
		s.TierCounts[k] = v
	}
	s.ActionCounts = make(map[string]int64, len(r.stats.ActionCounts))
	for k, v := range r.stats.ActionCounts {
		s.ActionCounts[k] = v
	}
	return s
}

// Explain returns a recorded decision by request ID.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}
