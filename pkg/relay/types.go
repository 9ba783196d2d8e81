// Package relay holds the relay service configuration model and the
// per-service runtime.
package relay

import (
	"errors"
	"time"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/transform"
)

// ErrNoValidSource means every configured source channel failed to resolve.
// Fatal for that one service's startup; other services are unaffected.
var ErrNoValidSource = errors.New("no source channel could be resolved")

// Mode selects how a service treats its channels.
type Mode string

const (
	// ModeForward relays live events only.
	ModeForward Mode = "forward"
	// ModeCopy additionally supports historical replay.
	ModeCopy Mode = "copy"
)

// CopyOptions configure the historical replay of a copy-mode service.
type CopyOptions struct {
	// Backfill enables history replay on service start.
	Backfill bool `json:"backfill"`
	// Limit caps the number of historical messages fetched.
	Limit int `json:"limit"`
	// Order picks which end of the history the window covers.
	Order backend.HistoryOrder `json:"order,omitempty"`
	// AnchorID optionally anchors the window at a specific message.
	AnchorID backend.MessageID `json:"anchor_id,omitempty"`
	// Direction selects the replay side relative to the anchor.
	Direction backend.HistoryDirection `json:"direction,omitempty"`
}

// ServiceConfig is a tenant-owned relay service as stored by the
// configuration layer. The engine reads a snapshot at start time and never
// mutates it.
type ServiceConfig struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Mode     Mode   `json:"mode"`

	// Sources and Destinations are channel refs in the backend's own
	// naming (usernames, ids); they are resolved on every (re)start.
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`

	Rules []transform.Rule `json:"rules,omitempty"`

	// Prompt enables the AI rewrite stage when non-empty and a tenant
	// generation credential exists.
	Prompt string `json:"prompt,omitempty"`

	Copy CopyOptions `json:"copy,omitzero"`

	Active      bool       `json:"active"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// HistoryOptions translates the copy settings into a backend fetch.
func (c CopyOptions) HistoryOptions() backend.HistoryOptions {
	return backend.HistoryOptions{
		Limit:     c.Limit,
		Order:     c.Order,
		AnchorID:  c.AnchorID,
		Direction: c.Direction,
	}
}
