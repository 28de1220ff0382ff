// Package prompts builds the text sent to the chat-completion backend:
// the expert persona, formatted sensor context, and the user's question.
package prompts

import (
	"strings"

	"github.com/datanyx/fungid/internal/guides"
)

// baseSystemTemplate is the cultivation-expert persona. Kept short on
// purpose — small local models follow terse instructions far better
// than long ones.
const baseSystemTemplate = `You are FungiExpert, a mushroom cultivation advisor for commercial grow chambers.

You will be given current sensor readings from a grow chamber and, when available, a yield prediction from a trained model. Use them.

## Rules
- Ground every recommendation in the readings you were given. Quote the numbers.
- Optimal ranges differ per species — Oyster, Shiitake, Lions Mane, Button, and Reishi are not interchangeable.
- When the yield prediction is LOW or MEDIUM, lead with the single most impactful adjustment.
- Keep answers short and practical: a grower reads this on a phone in the grow room.
- If asked something unrelated to cultivation, politely steer back to the chamber.`

// BaseSystemPrompt returns the default system prompt.
func BaseSystemPrompt() string {
	return baseSystemTemplate
}

// SystemPromptWithGuides appends imported guide entries for a species
// to the base persona. A nil or empty entry list returns the base
// prompt unchanged.
func SystemPromptWithGuides(entries []guides.Entry) string {
	if len(entries) == 0 {
		return baseSystemTemplate
	}

	var b strings.Builder
	b.WriteString(baseSystemTemplate)
	b.WriteString("\n\n## Grower's own cultivation notes\n")
	b.WriteString("Prefer these over general knowledge when they conflict:\n")
	for _, e := range entries {
		b.WriteString("\n")
		if e.Key != "" {
			b.WriteString(e.Key)
			b.WriteString(": ")
		}
		b.WriteString(e.Content)
	}
	return b.String()
}
