// ABOUTME: Prompt template rendering with {{argName}} placeholder substitution.
// ABOUTME: Missing arguments leave their placeholders verbatim rather than erroring.

package registry

import (
	"log/slog"
	"regexp"
	"strings"
)

// placeholderPattern matches {{argName}} placeholders in template text.
var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Render expands a prompt's templates with the given arguments. Every
// {{argName}} occurrence in any message part is substituted textually.
// Placeholders whose argument is absent are left unexpanded; the caller
// sees them verbatim in the rendered output.
func (p *Prompt) Render(args map[string]string, logger *slog.Logger) []PromptMessage {
	rendered := clonePrompt(p).Messages
	for i := range rendered {
		for j := range rendered[i].Content {
			rendered[i].Content[j].Text = expand(rendered[i].Content[j].Text, args, logger)
		}
	}
	return rendered
}

// expand substitutes provided arguments into one text fragment.
func expand(text string, args map[string]string, logger *slog.Logger) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if val, ok := args[name]; ok {
			return val
		}
		if logger != nil {
			logger.Debug("unresolved template placeholder", "arg", name)
		}
		return match
	})
}
