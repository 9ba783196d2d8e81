// Package generate wraps the text-generation providers used by the AI
// rewrite stage of the content transformer.
package generate

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	anthropicgen "github.com/relaywire/relaywire/pkg/generate/anthropic"
	openaigen "github.com/relaywire/relaywire/pkg/generate/openai"
)

// Generator rewrites text according to a prompt. Implementations call an
// external model; failures are the caller's to absorb.
type Generator interface {
	Rewrite(ctx context.Context, prompt, text string) (string, error)
}

// Credential is a tenant's generation account. Model is optional; each
// provider has a default.
type Credential struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Model    string `json:"model,omitempty"`
}

func New(cred Credential, log zerolog.Logger) (Generator, error) {
	switch cred.Provider {
	case "anthropic", "":
		return anthropicgen.New(cred.APIKey, cred.Model), nil
	case "openai":
		return openaigen.New(cred.APIKey, cred.Model), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cred.Provider)
	}
}
