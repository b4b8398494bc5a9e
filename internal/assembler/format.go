package assembler

import (
	"fmt"
	"strings"

	"github.com/vesperbot/vesper/internal/channel"
)

// Formatted is the prompt-ready rendering of an assembled context.
type Formatted struct {
	SystemMessage   string
	UserMessage     string
	EstimatedTokens int
}

const truncationEllipsis = "..."

// Format renders the context into the system and user messages. Section order
// and headings are fixed; downstream consumers and tests depend on the exact
// bytes. When the estimate exceeds the configured token limit the user
// message is truncated from the end.
func (a *Assembler) Format(c Context) Formatted {
	var sections []string

	if len(c.ImportantMemories) > 0 {
		lines := make([]string, 0, len(c.ImportantMemories)+1)
		lines = append(lines, "## Important Memories")
		for i, m := range c.ImportantMemories {
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, m.Content))
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	recent := make([]string, 0, len(c.RecentMessages)+1)
	recent = append(recent, "## Recent Conversation")
	for _, m := range chronological(c.RecentMessages) {
		recent = append(recent, formatLine(m))
	}
	sections = append(sections, strings.Join(recent, "\n"))

	if len(c.RelatedMessages) > 0 {
		related := make([]string, 0, len(c.RelatedMessages)+1)
		related = append(related, "## Related Messages from this Server")
		for _, m := range chronological(c.RelatedMessages) {
			related = append(related, formatLine(m))
		}
		sections = append(sections, strings.Join(related, "\n"))
	}

	current := strings.Join([]string{
		"## Current Message",
		c.TriggerMessage.Username + ": " + c.TriggerMessage.Content,
		"Please respond to the current message above.",
	}, "\n")
	sections = append(sections, current)

	userMessage := strings.Join(sections, "\n\n")
	systemTokens := EstimateTokens(c.SystemPrompt)

	if a.cfg.TokenLimit > 0 && systemTokens+EstimateTokens(userMessage) > a.cfg.TokenLimit {
		userMessage = truncateToBudget(userMessage, a.cfg.TokenLimit-systemTokens)
	}

	return Formatted{
		SystemMessage:   c.SystemPrompt,
		UserMessage:     userMessage,
		EstimatedTokens: systemTokens + EstimateTokens(userMessage),
	}
}

func formatLine(m channel.Message) string {
	role := "[User]"
	if m.IsBot {
		role = "[Bot]"
	}
	return role + " " + m.Username + ": " + m.Content
}

// chronological returns messages oldest first. Fetchers return newest first.
func chronological(messages []channel.Message) []channel.Message {
	ordered := make([]channel.Message, len(messages))
	for i, m := range messages {
		ordered[len(messages)-1-i] = m
	}
	return ordered
}

// truncateToBudget cuts text from the end, appending an ellipsis, so its
// estimate fits budget. Binary search on character length keeps it cheap on
// large contexts.
func truncateToBudget(text string, budget int) string {
	if budget <= 0 {
		return truncationEllipsis
	}
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		candidate := string(runes[:mid]) + truncationEllipsis
		if EstimateTokens(candidate) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == len(runes) {
		return text
	}
	return string(runes[:lo]) + truncationEllipsis
}
