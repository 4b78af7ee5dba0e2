// Package defaults provides embedded starter files for the jarvis init
// subcommand: an example configuration and the initial self documents.
package defaults

import _ "embed"

//go:embed config.example.yaml
var ConfigYAML []byte

//go:embed soul.md
var PersonalityMD []byte

//go:embed briefing_prompt.md
var BriefingMD []byte
