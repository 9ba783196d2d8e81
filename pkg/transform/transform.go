// Package transform implements the content pipeline applied to relayed text:
// an optional AI rewrite followed by the service's ordered search/replace
// rules. Media is never transformed, only carried through by the caller.
package transform

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/generate"
)

// Rule is one literal search/replace substitution. Rules apply globally and
// in list order, so later rules operate on earlier rules' output.
type Rule struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

type Transformer struct {
	gen    generate.Generator
	prompt string
	rules  []Rule
	log    zerolog.Logger
}

// New builds a transformer. gen may be nil, which disables the AI stage
// entirely (no generation credential, or no prompt configured).
func New(gen generate.Generator, prompt string, rules []Rule, log zerolog.Logger) *Transformer {
	if prompt == "" {
		gen = nil
	}
	return &Transformer{
		gen:    gen,
		prompt: prompt,
		rules:  rules,
		log:    log.With().Str("component", "transform").Logger(),
	}
}

// Apply runs the pipeline. It never fails: a generation error falls back to
// the untransformed text and is logged, so a transform failure can never
// block the relay.
func (t *Transformer) Apply(ctx context.Context, text string) string {
	out := text

	if t.gen != nil && text != "" {
		rewritten, err := t.gen.Rewrite(ctx, t.prompt, text)
		if err != nil {
			t.log.Warn().Err(err).Msg("AI rewrite failed, relaying original text")
		} else {
			out = rewritten
		}
	}

	for _, rule := range t.rules {
		if rule.Search == "" {
			continue
		}
		out = strings.ReplaceAll(out, rule.Search, rule.Replace)
	}
	return out
}

// AIEnabled reports whether the rewrite stage is active.
func (t *Transformer) AIEnabled() bool {
	return t.gen != nil
}
