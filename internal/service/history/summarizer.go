// Package history compresses conversation history into the message and
// token budget before it is sent to a backend.
package history

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// snippetLen bounds each collapsed message's contribution to the summary.
const snippetLen = 48

// Summarizer produces a working copy of the history that fits the budget.
// The same input always produces the same output; the cache fingerprint
// depends on it.
type Summarizer struct {
	counter *tokencount.Counter
}

// NewSummarizer creates a summarizer. A nil counter uses the default.
func NewSummarizer(counter *tokencount.Counter) *Summarizer {
	if counter == nil {
		counter = tokencount.DefaultCounter
	}
	return &Summarizer{counter: counter}
}

// Summarize returns a history bounded by maxMessages and tokenBudget. The
// most recent messages are kept verbatim; older ones collapse into a single
// synthetic system summary message. The caller's slice is never mutated.
func (s *Summarizer) Summarize(history []domain.Message, maxMessages, tokenBudget int) []domain.Message {
	if len(history) == 0 {
		return nil
	}
	if maxMessages <= 0 {
		maxMessages = len(history)
	}

	if len(history) <= maxMessages && s.fits(history, tokenBudget) {
		out := make([]domain.Message, len(history))
		copy(out, history)
		return out
	}

	// Walk backwards keeping as many recent messages as both budgets allow,
	// reserving one slot for the summary message.
	keepFrom := len(history)
	kept := 0
	tokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		msgTokens := s.counter.EstimateMessages(history[i].Text)
		if kept+1 > maxMessages-1 {
			break
		}
		if tokenBudget > 0 && tokens+msgTokens > tokenBudget {
			break
		}
		kept++
		tokens += msgTokens
		keepFrom = i
	}

	collapsed := history[:keepFrom]
	if len(collapsed) == 0 {
		// Budget admits everything after all; keep a plain copy.
		out := make([]domain.Message, len(history))
		copy(out, history)
		return out
	}

	out := make([]domain.Message, 0, kept+1)
	out = append(out, summaryMessage(collapsed))
	out = append(out, history[keepFrom:]...)
	return out
}

func (s *Summarizer) fits(history []domain.Message, tokenBudget int) bool {
	if tokenBudget <= 0 {
		return true
	}
	texts := make([]string, len(history))
	for i, m := range history {
		texts[i] = m.Text
	}
	return s.counter.EstimateMessages(texts...) <= tokenBudget
}

// summaryMessage collapses older messages into one deterministic system
// message carrying a short snippet of each.
func summaryMessage(collapsed []domain.Message) domain.Message {
	snippets := make([]string, 0, len(collapsed))
	for _, m := range collapsed {
		text := strings.TrimSpace(m.Text)
		if runes := []rune(text); len(runes) > snippetLen {
			text = string(runes[:snippetLen]) + "…"
		}
		snippets = append(snippets, m.Role+": "+text)
	}
	return domain.Message{
		Role:      domain.RoleSystem,
		Text:      fmt.Sprintf("Summary of %d earlier messages. %s", len(collapsed), strings.Join(snippets, " | ")),
		Timestamp: collapsed[len(collapsed)-1].Timestamp,
	}
}

// Render produces the canonical text form of a history used for cache
// fingerprints. Timestamps are excluded so retransmitted histories with
// identical content fingerprint identically.
func Render(history []domain.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}
