package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/flow/backend/internal/model/chat"
)

// burstSeparator is the sentinel the formatter prompt instructs the model to
// place between message bubbles.
const burstSeparator = "||NEXT_MESSAGE||"

const burstSystemPrompt = `You are an AI assistant that reformats a single text response into a series of 1 to 4 short, natural-sounding message bubbles, like a human texting.
The original response was generated by 'Flow' on behalf of a busy user with the following persona: '{persona}'.
Flow was responding to the query: "{original_query}"
The complete thought Flow wants to convey is: "{full_reply}"

Your ONLY task is to break the "complete thought" into 1-4 short message bubbles.
- Each bubble should be concise.
- Preserve the original meaning, tone, and persona.
- Separate each intended message bubble with the exact separator: ||NEXT_MESSAGE||
- Do not add any text before the first bubble or after the last one. Just the bubbles and separators.
- If the "complete thought" is already very short (one or two short sentences, less than ~15 words), output it as a single bubble WITHOUT any separators.
- Do not refuse, explain, or apologize. Only provide the formatted response.

Example 1 (needs splitting):
Complete thought: "Hey, I'm super busy with exams right now, but I can probably meet on Saturday morning before 11 AM if that works for you. Let me know!"
Your output: Hey, I'm super busy with exams right now!||NEXT_MESSAGE||But I can probably do Sat morning before 11?||NEXT_MESSAGE||If that works for you, let me know!

Example 2 (already short):
Complete thought: "Okay, sounds good."
Your output: Okay, sounds good.`

func burstTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(burstSystemPrompt),
	)
}

// FormatBurst asks the model to rewrite a full reply as 1-4 message bubbles
// separated by the sentinel, then parses them out. When the model output
// yields no usable bubbles the reply is split on sentence boundaries, and as
// a last resort delivered whole; content is never discarded.
func (g *Generator) FormatBurst(ctx context.Context, cfg chat.TurnConfig, reply, query string) ([]string, error) {
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return nil, nil
	}

	c, err := g.getClient(ctx, cfg.APIKey)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	persona := cfg.Persona
	if strings.TrimSpace(persona) == "" {
		persona = "A helpful assistant."
	}

	input := map[string]any{
		"persona":        persona,
		"original_query": query,
		"full_reply":     trimmed,
	}

	response, err := c.burstChain.Invoke(ctx, input)
	if err != nil {
		return nil, classifyProviderError(fmt.Errorf("run burst chain: %w", err))
	}

	parts := parseBurst(response.Content)
	if len(parts) == 0 {
		parts = fallbackSplit(trimmed)
	}
	return parts, nil
}

// parseBurst splits the model output on the sentinel, trimming and dropping
// empty bubbles.
func parseBurst(output string) []string {
	if strings.TrimSpace(output) == "" {
		return nil
	}

	var parts []string
	for _, raw := range strings.Split(output, burstSeparator) {
		if part := strings.TrimSpace(raw); part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// fallbackSplit applies the degraded chain: sentence-split long punctuated
// replies when that yields 2-4 bubbles, otherwise deliver the reply whole.
func fallbackSplit(reply string) []string {
	if len(reply) > 60 && strings.ContainsAny(reply, ".!?") {
		sentences := splitSentences(reply)
		if len(sentences) >= 2 && len(sentences) <= 4 {
			return sentences
		}
	}
	return []string{reply}
}

// splitSentences breaks text after terminal punctuation followed by a space
// or end of text, so decimals and abbreviations in mid-word stay intact.
func splitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))

	var sentences []string
	var current strings.Builder
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}
	if sentence := strings.TrimSpace(current.String()); sentence != "" {
		sentences = append(sentences, sentence)
	}
	return sentences
}
