package transform

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type stubGenerator struct {
	out   string
	err   error
	calls int
}

func (g *stubGenerator) Rewrite(_ context.Context, _, text string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	if g.out != "" {
		return g.out, nil
	}
	return strings.ToUpper(text), nil
}

func TestRulesApplyInOrder(t *testing.T) {
	tr := New(nil, "", []Rule{
		{Search: "foo", Replace: "bar"},
		{Search: "bar", Replace: "baz"},
	}, zerolog.Nop())

	// The second rule sees the first rule's output.
	got := tr.Apply(context.Background(), "foo bar")
	if got != "baz baz" {
		t.Fatalf("Apply = %q, want %q", got, "baz baz")
	}
}

func TestRulesReplaceAllOccurrences(t *testing.T) {
	tr := New(nil, "", []Rule{{Search: "foo", Replace: "bar"}}, zerolog.Nop())
	got := tr.Apply(context.Background(), "foo bar foo")
	if got != "bar bar bar" {
		t.Fatalf("Apply = %q, want %q", got, "bar bar bar")
	}
}

func TestEmptySearchRuleIsSkipped(t *testing.T) {
	tr := New(nil, "", []Rule{{Search: "", Replace: "x"}}, zerolog.Nop())
	got := tr.Apply(context.Background(), "untouched")
	if got != "untouched" {
		t.Fatalf("Apply = %q, want original", got)
	}
}

func TestRewriteFeedsRules(t *testing.T) {
	gen := &stubGenerator{}
	tr := New(gen, "shout it", []Rule{{Search: "HELLO", Replace: "goodbye"}}, zerolog.Nop())

	got := tr.Apply(context.Background(), "hello world")
	if got != "goodbye WORLD" {
		t.Fatalf("Apply = %q, want %q", got, "goodbye WORLD")
	}
	if gen.calls != 1 {
		t.Fatalf("generator called %d times, want 1", gen.calls)
	}
	if !tr.AIEnabled() {
		t.Fatal("AIEnabled should be true with a generator and prompt")
	}
}

func TestRewriteFailureFallsBackToOriginal(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model unavailable")}
	tr := New(gen, "rewrite", []Rule{{Search: "foo", Replace: "bar"}}, zerolog.Nop())

	// The rules still run on the untransformed text.
	got := tr.Apply(context.Background(), "foo stays")
	if got != "bar stays" {
		t.Fatalf("Apply = %q, want %q", got, "bar stays")
	}
}

func TestEmptyPromptDisablesGenerator(t *testing.T) {
	gen := &stubGenerator{}
	tr := New(gen, "", nil, zerolog.Nop())

	got := tr.Apply(context.Background(), "hello")
	if got != "hello" {
		t.Fatalf("Apply = %q, want passthrough", got)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times despite empty prompt", gen.calls)
	}
	if tr.AIEnabled() {
		t.Fatal("AIEnabled should be false without a prompt")
	}
}

func TestEmptyTextSkipsRewrite(t *testing.T) {
	gen := &stubGenerator{}
	tr := New(gen, "rewrite", nil, zerolog.Nop())

	if got := tr.Apply(context.Background(), ""); got != "" {
		t.Fatalf("Apply = %q, want empty", got)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called %d times for empty text", gen.calls)
	}
}
