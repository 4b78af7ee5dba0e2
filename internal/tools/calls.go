// Package tools defines the closed set of tools available to the agent,
// decodes and validates model tool calls into typed variants, and
// dispatches them against Home Assistant and the local stores.
package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nugget/jarvis/internal/selfedit"
)

// Class is a tool's side-effect class.
type Class int

// Side-effect classes.
const (
	// Read tools have no side effects and may be repeated.
	Read Class = iota
	// MutatingExternal tools change the home (services, reloads).
	MutatingExternal
	// MutatingSelf tools change the assistant's own stores.
	MutatingSelf
)

func (c Class) String() string {
	switch c {
	case Read:
		return "read"
	case MutatingExternal:
		return "mutating-external"
	case MutatingSelf:
		return "mutating-self"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Mutating reports whether calls of this class must run at most once.
func (c Class) Mutating() bool { return c != Read }

// Call is a decoded, validated tool call. The set of implementations is
// closed; Dispatcher.Execute switches over all of them.
type Call interface {
	Name() string
	Class() Class
	isCall()
}

// Tool names.
const (
	NameGetState          = "get_state"
	NameGetStatesByDomain = "get_states_by_domain"
	NameSearchEntities    = "search_entities"
	NameGetHistory        = "get_history"
	NameSearchStatistics  = "search_statistics"
	NameGetStatistics     = "get_statistics"
	NameReadSelf          = "read_self"
	NameReadHAConfig      = "read_ha_config"
	NameListAlerts        = "list_alerts"
	NameCallService       = "call_service"
	NameReloadHAConfig    = "reload_ha_config"
	NameAddAlert          = "add_alert"
	NameRemoveAlert       = "remove_alert"
	NameRemember          = "remember"
	NameWriteSelf         = "write_self"
	NameWriteHAConfig     = "write_ha_config"
	NameDelegate          = "delegate"
)

// GetState reads one entity.
type GetState struct {
	EntityID string `json:"entity_id" validate:"required,entity_id"`
}

// GetStatesByDomain reads every entity in a domain.
type GetStatesByDomain struct {
	Domain string `json:"domain" validate:"required,ha_ident"`
}

// SearchEntities finds entities by keyword.
type SearchEntities struct {
	Query string `json:"query" validate:"required,max=100"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=50"`
}

// GetHistory reads recent state changes of one entity.
type GetHistory struct {
	EntityID string `json:"entity_id" validate:"required,entity_id"`
	Hours    int    `json:"hours,omitempty" validate:"omitempty,min=1,max=720"`
}

// SearchStatistics finds long-term statistic IDs by keyword.
type SearchStatistics struct {
	Query string `json:"query" validate:"required,max=100"`
}

// GetStatistics reads long-term statistics.
type GetStatistics struct {
	StatisticIDs []string `json:"statistic_ids" validate:"required,min=1,max=10,dive,required"`
	Period       string   `json:"period,omitempty" validate:"omitempty,oneof=5minute hour day week month"`
	Hours        int      `json:"hours,omitempty" validate:"omitempty,min=1,max=8760"`
}

// ReadSelf reads one self document.
type ReadSelf struct {
	Document string `json:"document" validate:"required,self_doc"`
}

// ReadHAConfig reads one editable Home Assistant YAML file.
type ReadHAConfig struct {
	Filename string `json:"filename" validate:"required,ha_file"`
}

// ListAlerts lists alert rules.
type ListAlerts struct {
	IncludeDisabled bool `json:"include_disabled,omitempty"`
}

// CallService calls a Home Assistant service on one entity.
type CallService struct {
	Domain   string         `json:"domain" validate:"required,ha_ident"`
	Service  string         `json:"service" validate:"required,ha_ident"`
	EntityID string         `json:"entity_id" validate:"required,entity_id"`
	Data     map[string]any `json:"data,omitempty"`
}

// ReloadHAConfig reloads automations, scripts or scenes.
type ReloadHAConfig struct {
	Component string `json:"component" validate:"required,oneof=automation script scene"`
}

// AddAlert creates a threshold alert rule.
type AddAlert struct {
	EntityID        string   `json:"entity_id" validate:"required,entity_id"`
	Operator        string   `json:"operator" validate:"required,oneof=above below equals"`
	Threshold       *float64 `json:"threshold" validate:"required"`
	Message         string   `json:"message" validate:"required,max=500"`
	CooldownMinutes int      `json:"cooldown_minutes,omitempty" validate:"omitempty,min=1,max=10080"`
}

// RemoveAlert deletes an alert rule.
type RemoveAlert struct {
	ID string `json:"id" validate:"required"`
}

// Remember appends a note to memory.
type Remember struct {
	Note string `json:"note" validate:"required,max=2000"`
}

// WriteSelf replaces a self document. Empty content needs Clear.
type WriteSelf struct {
	Document string `json:"document" validate:"required,self_doc"`
	Content  string `json:"content"`
	Clear    bool   `json:"clear,omitempty"`
}

// WriteHAConfig replaces an editable Home Assistant YAML file.
type WriteHAConfig struct {
	Filename string `json:"filename" validate:"required,ha_file"`
	Content  string `json:"content" validate:"required"`
}

// Delegate hands a task to the read-only sub-agent.
type Delegate struct {
	Task string `json:"task" validate:"required,max=8000"`
}

func (*GetState) Name() string          { return NameGetState }
func (*GetStatesByDomain) Name() string { return NameGetStatesByDomain }
func (*SearchEntities) Name() string    { return NameSearchEntities }
func (*GetHistory) Name() string        { return NameGetHistory }
func (*SearchStatistics) Name() string  { return NameSearchStatistics }
func (*GetStatistics) Name() string     { return NameGetStatistics }
func (*ReadSelf) Name() string          { return NameReadSelf }
func (*ReadHAConfig) Name() string      { return NameReadHAConfig }
func (*ListAlerts) Name() string        { return NameListAlerts }
func (*CallService) Name() string       { return NameCallService }
func (*ReloadHAConfig) Name() string    { return NameReloadHAConfig }
func (*AddAlert) Name() string          { return NameAddAlert }
func (*RemoveAlert) Name() string       { return NameRemoveAlert }
func (*Remember) Name() string          { return NameRemember }
func (*WriteSelf) Name() string         { return NameWriteSelf }
func (*WriteHAConfig) Name() string     { return NameWriteHAConfig }
func (*Delegate) Name() string          { return NameDelegate }

func (*GetState) Class() Class          { return Read }
func (*GetStatesByDomain) Class() Class { return Read }
func (*SearchEntities) Class() Class    { return Read }
func (*GetHistory) Class() Class        { return Read }
func (*SearchStatistics) Class() Class  { return Read }
func (*GetStatistics) Class() Class     { return Read }
func (*ReadSelf) Class() Class          { return Read }
func (*ReadHAConfig) Class() Class      { return Read }
func (*ListAlerts) Class() Class        { return Read }
func (*CallService) Class() Class       { return MutatingExternal }
func (*ReloadHAConfig) Class() Class    { return MutatingExternal }
func (*AddAlert) Class() Class          { return MutatingSelf }
func (*RemoveAlert) Class() Class       { return MutatingSelf }
func (*Remember) Class() Class          { return MutatingSelf }
func (*WriteSelf) Class() Class         { return MutatingSelf }
func (*WriteHAConfig) Class() Class     { return MutatingSelf }

// Class of delegate is read: the sub-agent it runs cannot mutate.
func (*Delegate) Class() Class { return Read }

func (*GetState) isCall()          {}
func (*GetStatesByDomain) isCall() {}
func (*SearchEntities) isCall()    {}
func (*GetHistory) isCall()        {}
func (*SearchStatistics) isCall()  {}
func (*GetStatistics) isCall()     {}
func (*ReadSelf) isCall()          {}
func (*ReadHAConfig) isCall()      {}
func (*ListAlerts) isCall()        {}
func (*CallService) isCall()       {}
func (*ReloadHAConfig) isCall()    {}
func (*AddAlert) isCall()          {}
func (*RemoveAlert) isCall()       {}
func (*Remember) isCall()          {}
func (*WriteSelf) isCall()         {}
func (*WriteHAConfig) isCall()     {}
func (*Delegate) isCall()          {}

// newCall returns a zero variant for name.
func newCall(name string) (Call, bool) {
	switch name {
	case NameGetState:
		return &GetState{}, true
	case NameGetStatesByDomain:
		return &GetStatesByDomain{}, true
	case NameSearchEntities:
		return &SearchEntities{}, true
	case NameGetHistory:
		return &GetHistory{}, true
	case NameSearchStatistics:
		return &SearchStatistics{}, true
	case NameGetStatistics:
		return &GetStatistics{}, true
	case NameReadSelf:
		return &ReadSelf{}, true
	case NameReadHAConfig:
		return &ReadHAConfig{}, true
	case NameListAlerts:
		return &ListAlerts{}, true
	case NameCallService:
		return &CallService{}, true
	case NameReloadHAConfig:
		return &ReloadHAConfig{}, true
	case NameAddAlert:
		return &AddAlert{}, true
	case NameRemoveAlert:
		return &RemoveAlert{}, true
	case NameRemember:
		return &Remember{}, true
	case NameWriteSelf:
		return &WriteSelf{}, true
	case NameWriteHAConfig:
		return &WriteHAConfig{}, true
	case NameDelegate:
		return &Delegate{}, true
	}
	return nil, false
}

var (
	entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)
	identPattern    = regexp.MustCompile(`^[a-z0-9_]+$`)
	validate        = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	mustRegister(v, "entity_id", func(fl validator.FieldLevel) bool {
		return entityIDPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "ha_ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "self_doc", func(fl validator.FieldLevel) bool {
		_, err := selfedit.ParseName(fl.Field().String())
		return err == nil
	})
	mustRegister(v, "ha_file", func(fl validator.FieldLevel) bool {
		for _, f := range selfedit.DefaultConfigFiles {
			if fl.Field().String() == f {
				return true
			}
		}
		return false
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// Decode turns a model tool call into a validated variant. Unknown
// fields are rejected. Errors wrap ErrUnknownTool or ErrValidation.
func Decode(name string, raw json.RawMessage) (Call, error) {
	c, ok := newCall(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, &ValidationError{Tool: name, Problems: []string{"arguments are not valid JSON for this tool: " + err.Error()}}
	}
	if dec.More() {
		return nil, &ValidationError{Tool: name, Problems: []string{"trailing data after arguments"}}
	}

	if err := validate.Struct(c); err != nil {
		return nil, validationError(name, err)
	}
	return c, nil
}

func validationError(tool string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Tool: tool, Problems: []string{err.Error()}}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describeFieldError(fe))
	}
	return &ValidationError{Tool: tool, Problems: problems}
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "entity_id":
		return fmt.Sprintf("%s %q is not an entity ID (want domain.object_id)", field, fe.Value())
	case "ha_ident":
		return fmt.Sprintf("%s %q must be lowercase letters, digits and underscores", field, fe.Value())
	case "self_doc":
		return fmt.Sprintf("%s %q is not one of personality, briefing, entities, memory", field, fe.Value())
	case "ha_file":
		return fmt.Sprintf("%s %q is not editable (allowed: %s)", field, fe.Value(), strings.Join(selfedit.DefaultConfigFiles, ", "))
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", field, fe.Param())
	case "min", "max":
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s fails %s", field, fe.Tag())
}

// Identity is the deduplication key for a call: its name plus its
// canonical JSON arguments.
func Identity(c Call) string {
	b, err := json.Marshal(c)
	if err != nil {
		return c.Name()
	}
	return c.Name() + ":" + string(b)
}
