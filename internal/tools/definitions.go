package tools

// Definition describes a tool to the model.
type Definition struct {
	Name        string
	Description string
	Class       Class
	Parameters  map[string]any
}

func object(required []string, props map[string]any) map[string]any {
	p := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		p["required"] = required
	}
	return p
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func enum(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": desc, "enum": values}
}

var documentEnum = enum("personality (soul.md), briefing (briefing_prompt.md), entities (ha_entities.md) or memory (memory.md)",
	"personality", "briefing", "entities", "memory")

var haFileProp = str("One of automations.yaml, configuration.yaml, scripts.yaml, scenes.yaml, sensors.yaml")

var definitions = []Definition{
	{
		Name:        NameGetState,
		Description: "Get the current state of a single Home Assistant entity, with its unit and key attributes.",
		Class:       Read,
		Parameters: object([]string{"entity_id"}, map[string]any{
			"entity_id": str("The entity ID, e.g. sensor.attic_temperature"),
		}),
	},
	{
		Name:        NameGetStatesByDomain,
		Description: "Get all entity states for a domain (e.g. switch, sensor, light, climate).",
		Class:       Read,
		Parameters: object([]string{"domain"}, map[string]any{
			"domain": str("e.g. switch, sensor, light, climate"),
		}),
	},
	{
		Name: NameSearchEntities,
		Description: "Search entities by keyword across entity IDs, friendly names and the entity reference. " +
			"Use this to find the correct entity_id before calling get_state or call_service. " +
			"If nothing matches, try a broader keyword, then get_states_by_domain.",
		Class: Read,
		Parameters: object([]string{"query"}, map[string]any{
			"query": str("Keyword, e.g. spa, lounge, attic, door"),
			"limit": integer("Maximum results (default 20)"),
		}),
	},
	{
		Name:        NameGetHistory,
		Description: "Get recent state changes for an entity. Timestamps are UTC.",
		Class:       Read,
		Parameters: object([]string{"entity_id"}, map[string]any{
			"entity_id": str("The entity ID"),
			"hours":     integer("How many hours back (default 24)"),
		}),
	},
	{
		Name: NameSearchStatistics,
		Description: "Search long-term statistic IDs by keyword. " +
			"Use this before get_statistics to discover the correct statistic_id. " +
			"Examples: energy, water, cost, temperature.",
		Class: Read,
		Parameters: object([]string{"query"}, map[string]any{
			"query": str("Keyword to search for"),
		}),
	},
	{
		Name: NameGetStatistics,
		Description: "Fetch long-term statistics from the Home Assistant recorder. " +
			"Returns total usage over the window plus a daily breakdown. " +
			"For 'today' use hours=24, for 'this week' hours=168, for 'this month' hours=672.",
		Class: Read,
		Parameters: object([]string{"statistic_ids"}, map[string]any{
			"statistic_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Statistic IDs, e.g. ['sensor.energy_consumption']",
			},
			"period": enum("Aggregation period (default hour)", "5minute", "hour", "day", "week", "month"),
			"hours":  integer("How many hours of history (default 48)"),
		}),
	},
	{
		Name:        NameReadSelf,
		Description: "Read one of your own documents: personality, briefing instructions, entity reference or memory.",
		Class:       Read,
		Parameters: object([]string{"document"}, map[string]any{
			"document": documentEnum,
		}),
	},
	{
		Name:        NameReadHAConfig,
		Description: "Read a Home Assistant configuration file. Use before editing automations, scripts or scenes.",
		Class:       Read,
		Parameters: object([]string{"filename"}, map[string]any{
			"filename": haFileProp,
		}),
	},
	{
		Name:        NameListAlerts,
		Description: "List the custom alert rules checked every few minutes.",
		Class:       Read,
		Parameters: object(nil, map[string]any{
			"include_disabled": map[string]any{"type": "boolean", "description": "Also list disabled rules"},
		}),
	},
	{
		Name:        NameCallService,
		Description: "Call a Home Assistant service to control a device, e.g. switch.turn_on or climate.set_temperature.",
		Class:       MutatingExternal,
		Parameters: object([]string{"domain", "service", "entity_id"}, map[string]any{
			"domain":    str("e.g. switch, light, climate"),
			"service":   str("e.g. turn_on, turn_off, set_temperature"),
			"entity_id": str("Target entity"),
			"data":      map[string]any{"type": "object", "description": "Additional service data (optional)"},
		}),
	},
	{
		Name:        NameReloadHAConfig,
		Description: "Reload Home Assistant automations, scripts or scenes. Call after write_ha_config.",
		Class:       MutatingExternal,
		Parameters: object([]string{"component"}, map[string]any{
			"component": enum("Which component to reload", "automation", "script", "scene"),
		}),
	},
	{
		Name:        NameAddAlert,
		Description: "Add a custom alert that fires when an entity's numeric state crosses a threshold.",
		Class:       MutatingSelf,
		Parameters: object([]string{"entity_id", "operator", "threshold", "message"}, map[string]any{
			"entity_id":        str("Entity to watch"),
			"operator":         enum("Comparison", "above", "below", "equals"),
			"threshold":        map[string]any{"type": "number"},
			"message":          str("Message to send when triggered"),
			"cooldown_minutes": integer("Minimum minutes between repeat alerts (optional)"),
		}),
	},
	{
		Name:        NameRemoveAlert,
		Description: "Remove a custom alert by ID (see list_alerts).",
		Class:       MutatingSelf,
		Parameters: object([]string{"id"}, map[string]any{
			"id": str("Alert rule ID"),
		}),
	},
	{
		Name: NameRemember,
		Description: "Save a fact, preference or instruction to persistent memory for future conversations. " +
			"Use whenever the user tells you something they want you to remember.",
		Class: MutatingSelf,
		Parameters: object([]string{"note"}, map[string]any{
			"note": str("What to remember, e.g. 'User prefers spa at 38C'"),
		}),
	},
	{
		Name: NameWriteSelf,
		Description: "Replace one of your own documents. Changes take effect on the next message. " +
			"Always read_self first. Empty content is refused unless clear is true.",
		Class: MutatingSelf,
		Parameters: object([]string{"document", "content"}, map[string]any{
			"document": documentEnum,
			"content":  str("Complete new document content"),
			"clear":    map[string]any{"type": "boolean", "description": "Set to deliberately empty the document"},
		}),
	},
	{
		Name: NameWriteHAConfig,
		Description: "Replace a Home Assistant configuration file. The YAML is validated and the old file backed up " +
			"and restored if the config check fails. Does not reload; call reload_ha_config after. " +
			"Always read_ha_config first to avoid losing existing content.",
		Class: MutatingSelf,
		Parameters: object([]string{"filename", "content"}, map[string]any{
			"filename": haFileProp,
			"content":  str("Complete file content"),
		}),
	},
	{
		Name: NameDelegate,
		Description: "Hand a complex research or reasoning task to a more capable read-only sub-agent. " +
			"It can look things up but cannot change anything; act on its findings yourself. " +
			"Only delegate when the task genuinely warrants it.",
		Class: Read,
		Parameters: object([]string{"task"}, map[string]any{
			"task": str("Clear description of what to find out, with full context"),
		}),
	},
}

// Definitions returns every tool definition in a stable order.
func Definitions() []Definition {
	return append([]Definition(nil), definitions...)
}

// ClassOf returns the side-effect class of a named tool.
func ClassOf(name string) (Class, bool) {
	for _, d := range definitions {
		if d.Name == name {
			return d.Class, true
		}
	}
	return 0, false
}

// Allow decides whether a tool may run in a given context.
type Allow func(name string, class Class) bool

// AllowAll permits every tool.
func AllowAll(string, Class) bool { return true }

// ReadOnly permits read tools except delegate, so a sub-agent can
// neither mutate nor recurse.
func ReadOnly(name string, class Class) bool {
	return class == Read && name != NameDelegate
}

// Schemas renders the permitted definitions in the function-calling
// shape the model clients accept.
func Schemas(allow Allow) []map[string]any {
	if allow == nil {
		allow = AllowAll
	}
	var out []map[string]any
	for _, d := range definitions {
		if !allow(d.Name, d.Class) {
			continue
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return out
}
