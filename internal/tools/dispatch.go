package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/jarvis/internal/alerts"
	"github.com/nugget/jarvis/internal/homeassistant"
	"github.com/nugget/jarvis/internal/llm"
	"github.com/nugget/jarvis/internal/metrics"
	"github.com/nugget/jarvis/internal/selfedit"
)

// HomeAssistant is the subset of the REST client the tools use.
type HomeAssistant interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetStatesByDomain(ctx context.Context, domain string) ([]homeassistant.State, error)
	SearchEntities(ctx context.Context, query string, limit int) ([]homeassistant.State, error)
	History(ctx context.Context, entityID string, start time.Time) ([]homeassistant.HistoryPoint, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) ([]homeassistant.State, error)
}

// AlertStore persists alert rules.
type AlertStore interface {
	Add(r *alerts.Rule) error
	Remove(id string) error
	List(enabledOnly bool) ([]*alerts.Rule, error)
}

// Delegator runs a task on the read-only sub-agent.
type Delegator interface {
	Delegate(ctx context.Context, task string) (string, error)
}

// Deps are the backends a Dispatcher executes against. Any may be nil;
// tools whose backend is missing report that instead of executing.
type Deps struct {
	HA         HomeAssistant
	Statistics homeassistant.StatisticsSource
	Documents  *selfedit.Store
	HAConfig   *selfedit.ConfigFiles
	Alerts     AlertStore
	Location   *time.Location
	Logger     *slog.Logger
}

// Dispatcher executes decoded calls.
type Dispatcher struct {
	ha        HomeAssistant
	stats     homeassistant.StatisticsSource
	docs      *selfedit.Store
	haConfig  *selfedit.ConfigFiles
	alerts    AlertStore
	delegator Delegator
	loc       *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher over deps.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Dispatcher{
		ha:       deps.HA,
		stats:    deps.Statistics,
		docs:     deps.Documents,
		haConfig: deps.HAConfig,
		alerts:   deps.Alerts,
		loc:      deps.Location,
		logger:   deps.Logger,
		now:      time.Now,
	}
}

// SetDelegator wires the sub-agent. It is set after construction since
// the sub-agent itself dispatches through this Dispatcher.
func (d *Dispatcher) SetDelegator(dl Delegator) {
	d.delegator = dl
}

// Quantity is a numeric state a tool reported, used to attach units to
// bare numbers in the final answer.
type Quantity struct {
	EntityID string
	Value    string
	Unit     string
}

// Output is what a tool produced.
type Output struct {
	Text       string
	Quantities []Quantity
}

// Result is the outcome of one model tool call. Every call resolves to
// exactly one Result.
type Result struct {
	CallID     string
	Name       string
	Call       Call // nil when decoding failed
	Class      Class
	OK         bool
	Content    string
	Err        error
	Quantities []Quantity
	Repeated   bool // an earlier identical call's result was reused
}

// Message renders the result as a tool message for the model.
func (r Result) Message() llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: r.CallID,
		Content:    r.Content,
		IsError:    !r.OK,
	}
}

// Failed builds the error result for a call that never executed.
func Failed(tc llm.ToolCall, err error) Result {
	class, _ := ClassOf(tc.Name)
	return Result{
		CallID:  tc.ID,
		Name:    tc.Name,
		Class:   class,
		Err:     err,
		Content: "Error: " + err.Error(),
	}
}

// Run decodes, authorizes and executes one model tool call.
func (d *Dispatcher) Run(ctx context.Context, tc llm.ToolCall, allow Allow) Result {
	c, err := Decode(tc.Name, tc.Arguments)
	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(tc.Name, "invalid").Inc()
		d.logger.Warn("tool call rejected", "tool", tc.Name, "error", err)
		return Failed(tc, err)
	}
	if allow != nil && !allow(c.Name(), c.Class()) {
		metrics.ToolCallsTotal.WithLabelValues(tc.Name, "unavailable").Inc()
		return Failed(tc, &ErrToolUnavailable{ToolName: tc.Name})
	}
	return d.RunCall(ctx, tc.ID, c)
}

// RunCall executes an already decoded call.
func (d *Dispatcher) RunCall(ctx context.Context, callID string, c Call) Result {
	start := time.Now()
	out, err := d.Execute(ctx, c)
	res := Result{CallID: callID, Name: c.Name(), Call: c, Class: c.Class()}

	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(c.Name(), "error").Inc()
		d.logger.Warn("tool failed", "tool", c.Name(), "class", c.Class(), "error", err, "elapsed", time.Since(start))
		res.Err = err
		res.Content = "Error: " + err.Error()
		return res
	}

	metrics.ToolCallsTotal.WithLabelValues(c.Name(), "ok").Inc()
	d.logger.Debug("tool executed", "tool", c.Name(), "class", c.Class(), "bytes", len(out.Text), "elapsed", time.Since(start))
	res.OK = true
	res.Content = out.Text
	res.Quantities = out.Quantities
	return res
}

var (
	errNoHA       = errors.New("Home Assistant is not configured")
	errNoStats    = errors.New("statistics are not available (no recorder database or WebSocket connection)")
	errNoDocs     = errors.New("document store is not configured")
	errNoHAConfig = errors.New("Home Assistant config directory is not configured")
	errNoAlerts   = errors.New("alert store is not configured")
)

// Execute runs a decoded call against its backend.
func (d *Dispatcher) Execute(ctx context.Context, c Call) (Output, error) {
	switch c := c.(type) {
	case *GetState:
		return d.getState(ctx, c)
	case *GetStatesByDomain:
		return d.getStatesByDomain(ctx, c)
	case *SearchEntities:
		return d.searchEntities(ctx, c)
	case *GetHistory:
		return d.getHistory(ctx, c)
	case *SearchStatistics:
		return d.searchStatistics(ctx, c)
	case *GetStatistics:
		return d.getStatistics(ctx, c)
	case *ReadSelf:
		return d.readSelf(c)
	case *ReadHAConfig:
		return d.readHAConfig(c)
	case *ListAlerts:
		return d.listAlerts(c)
	case *CallService:
		return d.callService(ctx, c)
	case *ReloadHAConfig:
		return d.reloadHAConfig(ctx, c)
	case *AddAlert:
		return d.addAlert(ctx, c)
	case *RemoveAlert:
		return d.removeAlert(c)
	case *Remember:
		return d.remember(c)
	case *WriteSelf:
		return d.writeSelf(c)
	case *WriteHAConfig:
		return d.writeHAConfig(ctx, c)
	case *Delegate:
		return d.delegate(ctx, c)
	}
	return Output{}, fmt.Errorf("%w: %T", ErrUnknownTool, c)
}

// Tool handlers

func (d *Dispatcher) getState(ctx context.Context, c *GetState) (Output, error) {
	if d.ha == nil {
		return Output{}, errNoHA
	}
	state, err := d.ha.GetState(ctx, c.EntityID)
	if err != nil {
		var apiErr *homeassistant.APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			return Output{}, fmt.Errorf("entity %s not found; try search_entities", c.EntityID)
		}
		return Output{}, err
	}
	return Output{Text: FormatEntityState(state), Quantities: quantities(*state)}, nil
}

func (d *Dispatcher) getStatesByDomain(ctx context.Context, c *GetStatesByDomain) (Output, error) {
	if d.ha == nil {
		return Output{}, errNoHA
	}
	states, err := d.ha.GetStatesByDomain(ctx, c.Domain)
	if err != nil {
		return Output{}, err
	}
	if len(states) == 0 {
		return Output{Text: fmt.Sprintf("No entities found in domain '%s'", c.Domain)}, nil
	}
	const limit = 100
	shown := states
	if len(shown) > limit {
		shown = shown[:limit]
	}
	text := fmt.Sprintf("Found %d %s entities:\n%s", len(states), c.Domain, listStates(shown))
	if len(states) > limit {
		text += fmt.Sprintf("\n(%d more not shown; use search_entities to narrow)", len(states)-limit)
	}
	return Output{Text: text, Quantities: quantities(shown...)}, nil
}

func (d *Dispatcher) searchEntities(ctx context.Context, c *SearchEntities) (Output, error) {
	limit := c.Limit
	if limit == 0 {
		limit = 20
	}

	var sections []string
	var qs []Quantity

	if d.ha != nil {
		states, err := d.ha.SearchEntities(ctx, c.Query, limit)
		if err != nil {
			return Output{}, err
		}
		if len(states) > 0 {
			sections = append(sections, "Live entities:\n"+listStates(states))
			qs = quantities(states...)
		}
	}

	if d.docs != nil {
		doc, err := d.docs.Read(selfedit.Entities)
		if err != nil {
			return Output{}, err
		}
		if refs := matchLines(doc.Content, c.Query, limit); len(refs) > 0 {
			sections = append(sections, "Entity reference:\n"+strings.Join(refs, "\n"))
		}
	}

	if d.ha == nil && d.docs == nil {
		return Output{}, errNoHA
	}
	if len(sections) == 0 {
		return Output{Text: fmt.Sprintf("No entities matching '%s'. Try a different keyword or get_states_by_domain.", c.Query)}, nil
	}
	return Output{Text: strings.Join(sections, "\n\n"), Quantities: qs}, nil
}

func (d *Dispatcher) getHistory(ctx context.Context, c *GetHistory) (Output, error) {
	if d.ha == nil {
		return Output{}, errNoHA
	}
	hours := c.Hours
	if hours == 0 {
		hours = 24
	}
	points, err := d.ha.History(ctx, c.EntityID, d.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return Output{}, err
	}
	if len(points) == 0 {
		return Output{Text: fmt.Sprintf("No state changes for %s in the last %d hours", c.EntityID, hours)}, nil
	}

	const limit = 50
	shown := points
	if len(shown) > limit {
		shown = shown[len(shown)-limit:]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d state changes for %s in the last %d hours", len(points), c.EntityID, hours)
	if len(points) > limit {
		fmt.Fprintf(&b, " (latest %d shown)", limit)
	}
	b.WriteString(":\n")
	for _, p := range shown {
		fmt.Fprintf(&b, "- %s: %s\n", p.LastChanged.UTC().Format(time.RFC3339), p.State)
	}
	return Output{Text: strings.TrimRight(b.String(), "\n")}, nil
}

func (d *Dispatcher) searchStatistics(ctx context.Context, c *SearchStatistics) (Output, error) {
	if d.stats == nil {
		return Output{}, errNoStats
	}
	metas, err := d.stats.SearchStatistics(ctx, c.Query)
	if err != nil {
		return Output{}, err
	}
	if len(metas) == 0 {
		return Output{Text: fmt.Sprintf("No statistics matching '%s'", c.Query)}, nil
	}
	const limit = 30
	if len(metas) > limit {
		metas = metas[:limit]
	}
	lines := make([]string, len(metas))
	for i, m := range metas {
		lines[i] = "- " + m.StatisticID
		if m.Unit != "" {
			lines[i] += " (" + m.Unit + ")"
		}
	}
	return Output{Text: strings.Join(lines, "\n")}, nil
}

func (d *Dispatcher) getStatistics(ctx context.Context, c *GetStatistics) (Output, error) {
	if d.stats == nil {
		return Output{}, errNoStats
	}
	period := c.Period
	if period == "" {
		period = "hour"
	}
	hours := c.Hours
	if hours == 0 {
		hours = 48
	}

	series, err := d.stats.Statistics(ctx, c.StatisticIDs, period, d.now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return Output{}, err
	}
	byID := make(map[string]homeassistant.Series, len(series))
	for _, s := range series {
		byID[s.StatisticID] = s
	}

	summaries := make([]homeassistant.StatSummary, 0, len(c.StatisticIDs))
	var qs []Quantity
	for _, id := range c.StatisticIDs {
		s, ok := byID[id]
		if !ok {
			s = homeassistant.Series{StatisticID: id}
		}
		sum := homeassistant.Summarize(s, d.loc)
		if sum.Total != nil && sum.Unit != "" {
			qs = append(qs, Quantity{EntityID: id, Value: strconv.FormatFloat(*sum.Total, 'f', -1, 64), Unit: sum.Unit})
		}
		summaries = append(summaries, sum)
	}

	b, err := json.Marshal(map[string]any{
		"period":     period,
		"hours":      hours,
		"statistics": summaries,
	})
	if err != nil {
		return Output{}, fmt.Errorf("encode statistics: %w", err)
	}
	return Output{Text: string(b), Quantities: qs}, nil
}

func (d *Dispatcher) readSelf(c *ReadSelf) (Output, error) {
	if d.docs == nil {
		return Output{}, errNoDocs
	}
	name, err := selfedit.ParseName(c.Document)
	if err != nil {
		return Output{}, err
	}
	doc, err := d.docs.Read(name)
	if err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(doc.Content) == "" {
		return Output{Text: fmt.Sprintf("%s is empty", name)}, nil
	}
	return Output{Text: doc.Content}, nil
}

func (d *Dispatcher) readHAConfig(c *ReadHAConfig) (Output, error) {
	if d.haConfig == nil {
		return Output{}, errNoHAConfig
	}
	content, err := d.haConfig.Read(c.Filename)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: content}, nil
}

func (d *Dispatcher) listAlerts(c *ListAlerts) (Output, error) {
	if d.alerts == nil {
		return Output{}, errNoAlerts
	}
	rules, err := d.alerts.List(!c.IncludeDisabled)
	if err != nil {
		return Output{}, err
	}
	if len(rules) == 0 {
		return Output{Text: "No alert rules."}, nil
	}
	lines := make([]string, len(rules))
	for i, r := range rules {
		lines[i] = "- " + r.Describe()
	}
	return Output{Text: strings.Join(lines, "\n")}, nil
}

func (d *Dispatcher) callService(ctx context.Context, c *CallService) (Output, error) {
	if d.ha == nil {
		return Output{}, errNoHA
	}
	data := map[string]any{}
	for k, v := range c.Data {
		data[k] = v
	}
	data["entity_id"] = c.EntityID

	changed, err := d.ha.CallService(ctx, c.Domain, c.Service, data)
	if err != nil {
		return Output{}, err
	}
	d.logger.Info("service called", "domain", c.Domain, "service", c.Service, "entity_id", c.EntityID)

	text := fmt.Sprintf("Called %s.%s on %s.", c.Domain, c.Service, c.EntityID)
	if len(changed) > 0 {
		text += "\nChanged states:\n" + listStates(changed)
	}
	return Output{Text: text, Quantities: quantities(changed...)}, nil
}

func (d *Dispatcher) reloadHAConfig(ctx context.Context, c *ReloadHAConfig) (Output, error) {
	if d.ha == nil {
		return Output{}, errNoHA
	}
	if _, err := d.ha.CallService(ctx, c.Component, "reload", nil); err != nil {
		return Output{}, err
	}
	d.logger.Info("home assistant config reloaded", "component", c.Component)
	return Output{Text: fmt.Sprintf("Reloaded %s configuration.", c.Component)}, nil
}

func (d *Dispatcher) addAlert(ctx context.Context, c *AddAlert) (Output, error) {
	if d.alerts == nil {
		return Output{}, errNoAlerts
	}
	r := &alerts.Rule{
		EntityID:  c.EntityID,
		Operator:  alerts.Operator(c.Operator),
		Threshold: *c.Threshold,
		Message:   c.Message,
		Cooldown:  time.Duration(c.CooldownMinutes) * time.Minute,
		CreatedBy: ConversationIDFromContext(ctx),
		Enabled:   true,
	}
	if err := d.alerts.Add(r); err != nil {
		return Output{}, err
	}
	d.logger.Info("alert rule added", "rule_id", r.ID, "entity_id", r.EntityID, "operator", r.Operator, "threshold", r.Threshold)
	return Output{Text: "Created alert " + r.Describe()}, nil
}

func (d *Dispatcher) removeAlert(c *RemoveAlert) (Output, error) {
	if d.alerts == nil {
		return Output{}, errNoAlerts
	}
	if err := d.alerts.Remove(c.ID); err != nil {
		return Output{}, err
	}
	d.logger.Info("alert rule removed", "rule_id", c.ID)
	return Output{Text: "Removed alert " + c.ID}, nil
}

func (d *Dispatcher) remember(c *Remember) (Output, error) {
	if d.docs == nil {
		return Output{}, errNoDocs
	}
	if err := d.docs.Append(selfedit.Memory, c.Note); err != nil {
		return Output{}, err
	}
	return Output{Text: "Remembered: " + strings.TrimSpace(c.Note)}, nil
}

func (d *Dispatcher) writeSelf(c *WriteSelf) (Output, error) {
	if d.docs == nil {
		return Output{}, errNoDocs
	}
	name, err := selfedit.ParseName(c.Document)
	if err != nil {
		return Output{}, err
	}
	if err := d.docs.Write(name, c.Content, c.Clear); err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(c.Content) == "" {
		return Output{Text: fmt.Sprintf("Cleared %s.", name)}, nil
	}
	return Output{Text: fmt.Sprintf("Wrote %s (%d bytes). Takes effect on the next message.", name, len(c.Content))}, nil
}

func (d *Dispatcher) writeHAConfig(ctx context.Context, c *WriteHAConfig) (Output, error) {
	if d.haConfig == nil {
		return Output{}, errNoHAConfig
	}
	if err := d.haConfig.Write(ctx, c.Filename, c.Content); err != nil {
		return Output{}, err
	}
	return Output{Text: fmt.Sprintf("Wrote %s. Not yet active; call reload_ha_config to apply.", c.Filename)}, nil
}

func (d *Dispatcher) delegate(ctx context.Context, c *Delegate) (Output, error) {
	if d.delegator == nil {
		return Output{}, errors.New("delegation is not available")
	}
	text, err := d.delegator.Delegate(ctx, c.Task)
	if err != nil {
		return Output{}, err
	}
	return Output{Text: text}, nil
}

// FormatEntityState renders one entity for the model.
func FormatEntityState(state *homeassistant.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\nState: %s\n", state.EntityID, state.State)

	if name, ok := state.Attributes["friendly_name"].(string); ok {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	if unit := state.Unit(); unit != "" {
		fmt.Fprintf(&b, "Unit: %s\n", unit)
	}
	if brightness, ok := state.Attributes["brightness"].(float64); ok {
		fmt.Fprintf(&b, "Brightness: %.0f%%\n", brightness/255*100)
	}
	if temp, ok := state.Attributes["temperature"].(float64); ok {
		fmt.Fprintf(&b, "Temperature: %.1f\n", temp)
	}
	if temp, ok := state.Attributes["current_temperature"].(float64); ok {
		fmt.Fprintf(&b, "Current temperature: %.1f\n", temp)
	}
	if class, ok := state.Attributes["device_class"].(string); ok {
		fmt.Fprintf(&b, "Device class: %s\n", class)
	}
	if !state.LastChanged.IsZero() {
		fmt.Fprintf(&b, "Last changed: %s\n", state.LastChanged.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func listStates(states []homeassistant.State) string {
	lines := make([]string, len(states))
	for i, s := range states {
		name := s.EntityID
		if friendly, ok := s.Attributes["friendly_name"].(string); ok && friendly != "" {
			name = fmt.Sprintf("%s (%s)", s.EntityID, friendly)
		}
		value := s.State
		if u := s.Unit(); u != "" {
			value += " " + u
		}
		lines[i] = fmt.Sprintf("- %s: %s", name, value)
	}
	return strings.Join(lines, "\n")
}

func quantities(states ...homeassistant.State) []Quantity {
	var out []Quantity
	for _, s := range states {
		u := s.Unit()
		if u == "" {
			continue
		}
		if _, err := strconv.ParseFloat(s.State, 64); err != nil {
			continue
		}
		out = append(out, Quantity{EntityID: s.EntityID, Value: s.State, Unit: u})
	}
	return out
}

// matchLines returns up to limit non-empty lines containing query,
// case-insensitively.
func matchLines(content, query string, limit int) []string {
	q := strings.ToLower(query)
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.Contains(strings.ToLower(line), q) {
			continue
		}
		out = append(out, line)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// SortedNames lists tool names allowed by allow, for logging.
func SortedNames(allow Allow) []string {
	var names []string
	for _, d := range definitions {
		if allow == nil || allow(d.Name, d.Class) {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}
