package compiler

import (
	_ "embed"
	"strings"
)

//go:embed prompts/SYSTEM.md
var systemPromptTemplate string

// RenderSystemPrompt renders the instruction payload for the model. It has no
// side effects and depends only on its input.
func RenderSystemPrompt(gc GroundingContext) string {
	var snippets strings.Builder
	if len(gc.Snippets) == 0 {
		snippets.WriteString("  (none)")
	}
	for i, s := range gc.Snippets {
		if i > 0 {
			snippets.WriteByte('\n')
		}
		snippets.WriteString("  - ")
		snippets.WriteString(strings.ReplaceAll(s, "\n", " | "))
	}

	return strings.NewReplacer(
		"{{SCHEMA}}", gc.SchemaJSON,
		"{{TABLE}}", gc.Table,
		"{{SNIPPETS}}", snippets.String(),
	).Replace(strings.TrimSpace(systemPromptTemplate))
}

func RenderUserPrompt(question string) string {
	return strings.TrimSpace(question)
}
