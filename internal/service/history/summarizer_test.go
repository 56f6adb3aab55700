package history

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func makeHistory(n int) []domain.Message {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	out := make([]domain.Message, n)
	for i := range out {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		out[i] = domain.Message{
			Role:      role,
			Text:      fmt.Sprintf("message number %d with some content", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestSummarize_UnderBudgetReturnsCopy(t *testing.T) {
	s := NewSummarizer(nil)
	h := makeHistory(4)
	out := s.Summarize(h, 8, 0)
	require.Len(t, out, 4)
	assert.Equal(t, h, out)

	// The returned slice is a working copy, not the caller's backing array.
	out[0].Text = "mutated"
	assert.NotEqual(t, "mutated", h[0].Text)
}

func TestSummarize_CollapsesOldMessages(t *testing.T) {
	s := NewSummarizer(nil)
	h := makeHistory(12)
	out := s.Summarize(h, 6, 0)

	require.Len(t, out, 6, "5 recent kept verbatim plus 1 summary")
	assert.Equal(t, domain.RoleSystem, out[0].Role)
	assert.Contains(t, out[0].Text, "Summary of 7 earlier messages")
	// Most recent messages survive verbatim, newest last.
	assert.Equal(t, h[11], out[5])
	assert.Equal(t, h[7], out[1])
}

func TestSummarize_Deterministic(t *testing.T) {
	s := NewSummarizer(nil)
	h := makeHistory(20)
	a := s.Summarize(h, 8, 500)
	b := s.Summarize(h, 8, 500)
	assert.Equal(t, a, b, "identical input must summarize identically")
	assert.Equal(t, Render(a), Render(b))
}

func TestSummarize_TokenBudgetBounds(t *testing.T) {
	s := NewSummarizer(nil)
	h := makeHistory(10)
	// A tiny budget keeps only the newest message plus the summary.
	out := s.Summarize(h, 10, 15)
	require.NotEmpty(t, out)
	assert.Equal(t, domain.RoleSystem, out[0].Role)
	assert.Equal(t, h[9].Text, out[len(out)-1].Text)
	assert.LessOrEqual(t, len(out), 3)
}

func TestSummarize_EmptyHistory(t *testing.T) {
	s := NewSummarizer(nil)
	assert.Nil(t, s.Summarize(nil, 8, 100))
}

func TestSummarize_DoesNotMutateCaller(t *testing.T) {
	s := NewSummarizer(nil)
	h := makeHistory(12)
	orig := make([]domain.Message, len(h))
	copy(orig, h)
	_ = s.Summarize(h, 4, 0)
	assert.Equal(t, orig, h)
}

func TestSummaryMessage_TruncatesLongTextsOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("привет ", 30)
	msg := summaryMessage([]domain.Message{{Role: domain.RoleUser, Text: long}})
	assert.Contains(t, msg.Text, "…")
	assert.True(t, strings.HasPrefix(msg.Text, "Summary of 1 earlier messages."))
}

func TestRender_ExcludesTimestamps(t *testing.T) {
	a := []domain.Message{{Role: domain.RoleUser, Text: "hi", Timestamp: time.Now()}}
	b := []domain.Message{{Role: domain.RoleUser, Text: "hi", Timestamp: time.Now().Add(time.Hour)}}
	assert.Equal(t, Render(a), Render(b))
}
