// Package alerts stores user-defined threshold monitors on Home Assistant
// entities. Rules are evaluated by the scheduler's alert-poll job.
package alerts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Operator is a threshold comparison.
type Operator string

// Supported operators.
const (
	Above  Operator = "above"
	Below  Operator = "below"
	Equals Operator = "equals"
)

// ParseOperator accepts an operator name, case-insensitively.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(strings.ToLower(strings.TrimSpace(s))); op {
	case Above, Below, Equals:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operator %q (want above, below or equals)", s)
	}
}

// Rule is a threshold monitor on one entity.
type Rule struct {
	ID        string        `json:"id"`
	EntityID  string        `json:"entity_id"`
	Operator  Operator      `json:"operator"`
	Threshold float64       `json:"threshold"`
	Message   string        `json:"message"`
	Cooldown  time.Duration `json:"cooldown,omitempty"` // 0 = poller default
	CreatedBy string        `json:"created_by,omitempty"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"created_at"`
	LastFired *time.Time    `json:"last_fired,omitempty"`
}

// Crossed reports whether value satisfies the rule's condition.
func (r *Rule) Crossed(value float64) bool {
	switch r.Operator {
	case Above:
		return value > r.Threshold
	case Below:
		return value < r.Threshold
	case Equals:
		return value == r.Threshold
	}
	return false
}

// Evaluate parses a raw entity state and checks it against the rule.
// Non-numeric states ("unavailable", "unknown") are an error, not a
// crossing.
func (r *Rule) Evaluate(state string) (value float64, crossed bool, err error) {
	value, err = strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil {
		return 0, false, fmt.Errorf("entity %s state %q is not numeric", r.EntityID, state)
	}
	return value, r.Crossed(value), nil
}

// CoolingDown reports whether the rule fired within cooldown of now.
// The rule's own cooldown overrides def when set.
func (r *Rule) CoolingDown(now time.Time, def time.Duration) bool {
	if r.LastFired == nil {
		return false
	}
	cd := def
	if r.Cooldown > 0 {
		cd = r.Cooldown
	}
	return now.Sub(*r.LastFired) < cd
}

// Text renders the notification for a crossing.
func (r *Rule) Text(value float64) string {
	return fmt.Sprintf("Alert: %s (%s: %s)", r.Message, r.EntityID, strconv.FormatFloat(value, 'f', -1, 64))
}

// Describe renders the rule on one line for tool output.
func (r *Rule) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s %s %s, %q", r.ID, r.EntityID, r.Operator,
		strconv.FormatFloat(r.Threshold, 'f', -1, 64), r.Message)
	if !r.Enabled {
		b.WriteString(" [disabled]")
	}
	if r.LastFired != nil {
		fmt.Fprintf(&b, " last fired %s", r.LastFired.UTC().Format(time.RFC3339))
	}
	return b.String()
}
