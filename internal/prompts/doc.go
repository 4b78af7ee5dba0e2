// Package prompts contains the prompt text Jarvis sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation and can be validated by
// tests. The household-editable parts (personality, briefing
// instructions, entity reference, memory) live in the self-edit store;
// this package holds the fixed instructions wrapped around them.
//
// Convention: each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the fully
// interpolated prompt string.
package prompts
