// Package anthropicgen rewrites text through the Anthropic Messages API.
package anthropicgen

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-haiku-4-5"

type Generator struct {
	client *anthropic.Client
	model  string
}

func New(apiKey, model string) *Generator {
	if model == "" {
		model = defaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Generator{client: &client, model: model}
}

// NewWithClient injects a prebuilt client. Tests point it at a stub server.
func NewWithClient(client *anthropic.Client, model string) *Generator {
	if model == "" {
		model = defaultModel
	}
	return &Generator{client: client, model: model}
}

func (g *Generator) Rewrite(ctx context.Context, prompt, text string) (string, error) {
	resp, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 2048,
		System:    []anthropic.TextBlockParam{{Text: prompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API call: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("claude API call: empty completion")
	}
	return out, nil
}
