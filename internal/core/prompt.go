package core

import (
	"fmt"
	"strings"

	"gwi.com/persona-chat/internal/store"
)

// BuildPersonaSystemPrompt tells the model who to be. Profile fields are
// added when a profile exists.
func BuildPersonaSystemPrompt(vu *store.VirtualUser, profile *store.VirtualUserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s; respond accordingly.", vu.Name)
	if profile == nil {
		return b.String()
	}

	line := func(label, value string) {
		if value = strings.TrimSpace(value); value != "" {
			fmt.Fprintf(&b, "\n%s: %s", label, value)
		}
	}
	line("Personality", profile.Personality)
	line("Tone", profile.Tone)
	line("Backstory", profile.Backstory)
	if profile.Quirks != nil {
		line("Quirks", *profile.Quirks)
	}
	if len(profile.KnowledgeArea) > 0 {
		line("Knowledge areas", strings.Join(profile.KnowledgeArea, ", "))
	}
	if profile.Knowledge != nil {
		line("Knowledge", *profile.Knowledge)
	}
	return b.String()
}

// BuildRetrievalPrompt places passages in a context block ahead of the
// question.
func BuildRetrievalPrompt(passages []string, question string) string {
	if len(passages) == 0 {
		return question
	}
	return fmt.Sprintf("Answer the question using only the following context. If the context is insufficient, say so.\n\n--- CONTEXT START ---\n%s\n--- CONTEXT END ---\n\nQuestion: %s",
		strings.Join(passages, "\n\n"), question)
}

// withGroundingContext extends a persona system prompt with retrieved
// passages, leaving the user's message untouched.
func withGroundingContext(system string, passages []string) string {
	if len(passages) == 0 {
		return system
	}
	return fmt.Sprintf("%s\n\nUse the following context when it is relevant to the conversation:\n--- CONTEXT START ---\n%s\n--- CONTEXT END ---",
		system, strings.Join(passages, "\n\n"))
}
