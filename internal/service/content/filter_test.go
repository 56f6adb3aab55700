package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

func TestKeywordRule(t *testing.T) {
	r := KeywordRule{RuleName: "banned", Keywords: []string{"forbidden", "запрещено"}}

	tests := []struct {
		name    string
		text    string
		verdict Verdict
	}{
		{"clean text allowed", "hello world", VerdictAllow},
		{"exact keyword rejected", "this is forbidden content", VerdictReject},
		{"case insensitive", "FORBIDDEN!", VerdictReject},
		{"cyrillic keyword", "это запрещено здесь", VerdictReject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.verdict, r.Evaluate(tt.text).Verdict)
		})
	}
}

func TestRedactRule_MasksSpans(t *testing.T) {
	r := NewRedactRule("pii", []RedactPattern{
		{Expr: `\b\d{11}\b`, Replacement: "***"},
		{Expr: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Replacement: "[EMAIL]"},
	})

	res := r.Evaluate("call 79991234567 or write me@example.com please")
	require.Equal(t, VerdictRedact, res.Verdict)
	assert.Equal(t, "call *** or write [EMAIL] please", res.Redacted)

	res = r.Evaluate("nothing personal here")
	assert.Equal(t, VerdictAllow, res.Verdict)
}

func TestRedactRule_OverlappingPatternsApplyInOrder(t *testing.T) {
	// The first pattern must always win on a shared span; the redacted
	// text feeds cache keys and has to come out identical on every run.
	r := NewRedactRule("overlap", []RedactPattern{
		{Expr: `\bsecret token\b`, Replacement: "[TOKEN]"},
		{Expr: `\bsecret\b`, Replacement: "[SECRET]"},
	})
	for i := 0; i < 50; i++ {
		res := r.Evaluate("the secret token and a secret note")
		require.Equal(t, VerdictRedact, res.Verdict)
		require.Equal(t, "the [TOKEN] and a [SECRET] note", res.Redacted)
	}
}

func TestToxicityRule_ScoresByRatio(t *testing.T) {
	r := ToxicityRule{RuleName: "tox", Terms: []string{"hate"}, Threshold: 0.5}

	assert.Equal(t, VerdictAllow, r.Evaluate("i hate mondays but love fridays honestly").Verdict)
	assert.Equal(t, VerdictReject, r.Evaluate("hate hate hate").Verdict)
	assert.Equal(t, VerdictAllow, r.Evaluate("").Verdict)
}

func TestFilter_RejectShortCircuits(t *testing.T) {
	calls := 0
	counting := ruleFunc{name: "counting", fn: func(string) Result {
		calls++
		return Result{Verdict: VerdictAllow}
	}}
	f := NewFilter(
		KeywordRule{RuleName: "banned", Keywords: []string{"bad"}},
		counting,
	)

	_, err := f.Check("really bad text")
	require.ErrorIs(t, err, domain.ErrContentRejected)
	assert.Zero(t, calls, "rules after a rejection must not run")
}

func TestFilter_RedactionsAccumulate(t *testing.T) {
	f := NewFilter(
		NewRedactRule("digits", []RedactPattern{{Expr: `\d+`, Replacement: "#"}}),
		NewRedactRule("shout", []RedactPattern{{Expr: `!`, Replacement: "."}}),
	)
	out, err := f.Check("code 123 now!")
	require.NoError(t, err)
	assert.Equal(t, "code # now.", out)
}

func TestFilter_CleanTextPassesUnchanged(t *testing.T) {
	f := NewFilter(DefaultPreRules()...)
	out, err := f.Check("what is the weather like today")
	require.NoError(t, err)
	assert.Equal(t, "what is the weather like today", out)
}

func TestDefaultPostRules_MaskPIIInReplies(t *testing.T) {
	f := NewFilter(DefaultPostRules()...)
	out, err := f.Check("sure, email them at support@example.org")
	require.NoError(t, err)
	assert.Contains(t, out, "[EMAIL]")
	assert.NotContains(t, out, "support@example.org")
}

// ruleFunc adapts a closure into a Rule for tests.
type ruleFunc struct {
	name string
	fn   func(string) Result
}

func (r ruleFunc) Name() string               { return r.name }
func (r ruleFunc) Evaluate(text string) Result { return r.fn(text) }
