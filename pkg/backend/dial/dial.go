// Package dial selects a backend adapter for a credential.
package dial

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/backend/discord"
	"github.com/relaywire/relaywire/pkg/backend/slack"
	"github.com/relaywire/relaywire/pkg/backend/telegram"
)

type Dialer struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Dialer {
	return &Dialer{log: log}
}

func (d *Dialer) Dial(_ context.Context, cred backend.Credential) (backend.Client, error) {
	switch cred.Kind {
	case "telegram":
		return telegram.New(cred, d.log)
	case "discord":
		return discord.New(cred, d.log)
	case "slack":
		return slack.New(cred, d.log)
	default:
		return nil, fmt.Errorf("%w: unknown backend kind %q", backend.ErrInvalidCredential, cred.Kind)
	}
}
