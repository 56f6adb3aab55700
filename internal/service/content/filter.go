// Package content screens inbound user text and generated replies through a
// pipeline of independent rule evaluators.
package content

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Verdict is a single rule's decision.
type Verdict int

// Rule verdicts. Reject short-circuits the pipeline; Redact rewrites the
// matched spans and continues.
const (
	VerdictAllow Verdict = iota
	VerdictRedact
	VerdictReject
)

// Result is the outcome of evaluating one rule against one text.
type Result struct {
	Verdict  Verdict
	Reason   string
	Redacted string
}

// Rule is one independent evaluator in the filter pipeline.
type Rule interface {
	Name() string
	Evaluate(text string) Result
}

// Filter runs rules in order. The first rejection wins; redactions
// accumulate across rules.
type Filter struct {
	rules []Rule
}

// NewFilter builds a filter from the given rules.
func NewFilter(rules ...Rule) *Filter {
	return &Filter{rules: rules}
}

// Check evaluates text against every rule. It returns the (possibly
// redacted) text, or ErrContentRejected when any rule rejects.
func (f *Filter) Check(text string) (string, error) {
	out := text
	for _, r := range f.rules {
		res := r.Evaluate(out)
		switch res.Verdict {
		case VerdictReject:
			slog.Info("content rejected",
				slog.String("rule", r.Name()),
				slog.String("reason", res.Reason))
			return "", fmt.Errorf("op=content.Check: %w: rule %s: %s", domain.ErrContentRejected, r.Name(), res.Reason)
		case VerdictRedact:
			slog.Debug("content redacted",
				slog.String("rule", r.Name()),
				slog.String("reason", res.Reason))
			out = res.Redacted
		}
	}
	return out, nil
}

// KeywordRule rejects text containing any of its banned keywords.
type KeywordRule struct {
	RuleName string
	Keywords []string
}

// Name returns the rule identifier used in logs and errors.
func (r KeywordRule) Name() string { return r.RuleName }

// Evaluate rejects on the first banned keyword found (case-insensitive).
func (r KeywordRule) Evaluate(text string) Result {
	lower := strings.ToLower(text)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return Result{Verdict: VerdictReject, Reason: "banned keyword " + kw}
		}
	}
	return Result{Verdict: VerdictAllow}
}

// pattern pairs a compiled regexp with its replacement.
type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// RedactRule masks matched spans instead of rejecting, for PII-style
// content that should not reach a backend or a chat verbatim.
type RedactRule struct {
	RuleName string
	patterns []pattern
}

// RedactPattern pairs a regexp with its replacement.
type RedactPattern struct {
	Expr        string
	Replacement string
}

// NewRedactRule compiles the patterns. They apply in slice order, so
// redacted output is stable across processes even when patterns overlap.
// Invalid patterns are a programming error and panic at construction.
func NewRedactRule(name string, pairs []RedactPattern) *RedactRule {
	r := &RedactRule{RuleName: name}
	for _, p := range pairs {
		r.patterns = append(r.patterns, pattern{re: regexp.MustCompile(p.Expr), replacement: p.Replacement})
	}
	return r
}

// Name returns the rule identifier used in logs and errors.
func (r *RedactRule) Name() string { return r.RuleName }

// Evaluate replaces every matched span; allow when nothing matched.
func (r *RedactRule) Evaluate(text string) Result {
	out := text
	matched := false
	for _, p := range r.patterns {
		if p.re.MatchString(out) {
			matched = true
			out = p.re.ReplaceAllString(out, p.replacement)
		}
	}
	if !matched {
		return Result{Verdict: VerdictAllow}
	}
	return Result{Verdict: VerdictRedact, Reason: "matched spans masked", Redacted: out}
}

// ToxicityRule scores text by the share of toxic terms among its words and
// rejects above the threshold. Single slurs are caught by KeywordRule; this
// rule catches pile-ups that individually evade the ban list.
type ToxicityRule struct {
	RuleName  string
	Terms     []string
	Threshold float64
}

// Name returns the rule identifier used in logs and errors.
func (r ToxicityRule) Name() string { return r.RuleName }

// Evaluate rejects when the toxic-term ratio meets the threshold.
func (r ToxicityRule) Evaluate(text string) Result {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return Result{Verdict: VerdictAllow}
	}
	toxic := 0
	for _, w := range words {
		for _, term := range r.Terms {
			if strings.Contains(w, term) {
				toxic++
				break
			}
		}
	}
	score := float64(toxic) / float64(len(words))
	if score >= r.Threshold {
		return Result{Verdict: VerdictReject, Reason: fmt.Sprintf("toxicity score %.2f", score)}
	}
	return Result{Verdict: VerdictAllow}
}

// DefaultPreRules screen inbound user text before any backend spend.
func DefaultPreRules() []Rule {
	return []Rule{
		KeywordRule{
			RuleName: "banned-keywords",
			Keywords: []string{"убью", "убить", "suicide", "kill yourself"},
		},
		ToxicityRule{
			RuleName:  "toxicity",
			Terms:     []string{"ненавижу", "ненависть", "hate", "murder"},
			Threshold: 0.5,
		},
		piiRule(),
	}
}

// DefaultPostRules screen generated replies before caching and returning.
func DefaultPostRules() []Rule {
	return []Rule{piiRule()}
}

func piiRule() Rule {
	return NewRedactRule("pii", []RedactPattern{
		{Expr: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`, Replacement: "[EMAIL]"},
		{Expr: `\b\d{4}\s\d{4}\s\d{4}\s\d{4}\b`, Replacement: "**** **** **** ****"},
		{Expr: `\b\d{11}\b`, Replacement: "***-***-****"},
	})
}
