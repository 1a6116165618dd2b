package packer

import (
	"strings"
	"unicode/utf8"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/ashureev/insight-chat/internal/llm"
)

const truncationMarker = "…"

// HistoryLimits bounds the conversation history attached to a prompt.
type HistoryLimits struct {
	MaxBlocks       int
	MaxChars        int
	MaxMessageChars int
}

// DefaultHistoryLimits returns the limits used when none are configured.
func DefaultHistoryLimits() HistoryLimits {
	return HistoryLimits{
		MaxBlocks:       5,
		MaxChars:        6000,
		MaxMessageChars: 1200,
	}
}

// PackHistory turns most-recent-first blocks into chronological user/assistant
// message pairs. Each message is cut to MaxMessageChars and the oldest pairs are
// dropped until the total fits MaxChars.
func PackHistory(blocks []*domain.ContextBlock, limits HistoryLimits) []llm.Message {
	if limits.MaxBlocks <= 0 || limits.MaxChars <= 0 {
		return nil
	}
	n := min(len(blocks), limits.MaxBlocks)

	type pair struct {
		user, assistant llm.Message
		size            int
	}
	pairs := make([]pair, 0, n)
	for i := n - 1; i >= 0; i-- {
		b := blocks[i]
		if b == nil {
			continue
		}
		u := truncate(b.UserRequest, limits.MaxMessageChars)
		a := truncate(assistantText(b), limits.MaxMessageChars)
		pairs = append(pairs, pair{
			user:      llm.Message{Role: llm.RoleUser, Content: u},
			assistant: llm.Message{Role: llm.RoleAssistant, Content: a},
			size:      utf8.RuneCountInString(u) + utf8.RuneCountInString(a),
		})
	}

	total := 0
	for _, p := range pairs {
		total += p.size
	}
	for len(pairs) > 0 && total > limits.MaxChars {
		total -= pairs[0].size
		pairs = pairs[1:]
	}

	out := make([]llm.Message, 0, len(pairs)*2)
	for _, p := range pairs {
		out = append(out, p.user, p.assistant)
	}
	return out
}

// HistoryText renders messages as plain text, used for word-count bucketing and
// for prompts that embed history inline.
func HistoryText(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func assistantText(b *domain.ContextBlock) string {
	if b.GeneratedQuery == "" {
		return b.AssistantResponse
	}
	return b.AssistantResponse + "\n[query] " + b.GeneratedQuery
}

func truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	markerLen := utf8.RuneCountInString(truncationMarker)
	if limit <= markerLen {
		return string([]rune(s)[:limit])
	}
	return string([]rune(s)[:limit-markerLen]) + truncationMarker
}
