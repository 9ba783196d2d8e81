// Package conn owns the per-tenant backend connections. At most one live
// connection exists per tenant; it is created lazily on first service start
// and torn down when the tenant's last service stops.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

type Registry struct {
	dialer backend.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// entry carries one tenant's connection and the lock serializing its
// establishment. Dialing and handshaking happen under the entry lock only,
// so a slow connect for one tenant never stalls another tenant's Acquire.
type entry struct {
	mu     sync.Mutex
	client backend.Client
	live   atomic.Bool
}

func NewRegistry(dialer backend.Dialer, log zerolog.Logger) *Registry {
	return &Registry{
		dialer:  dialer,
		log:     log.With().Str("component", "conn").Logger(),
		entries: make(map[string]*entry),
	}
}

// entryFor returns the tenant's entry, creating it on first use. Entries are
// never removed from the map; Release empties them instead, so two
// goroutines can never hold distinct entries for the same tenant.
func (r *Registry) entryFor(tenantID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{}
		r.entries[tenantID] = e
	}
	return e
}

// Acquire returns the tenant's live connection, establishing one if none
// exists. An existing dead connection gets a single reconnect attempt; if
// that fails the entry is discarded and ErrConnectionLost is returned so the
// caller can resurface a reconnect condition. The session is re-validated on
// every reuse.
func (r *Registry) Acquire(ctx context.Context, tenantID string, cred backend.Credential) (backend.Client, error) {
	e := r.entryFor(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		if !e.client.Connected() {
			if err := e.client.Connect(ctx); err != nil {
				e.client.Close()
				e.client = nil
				e.live.Store(false)
				r.log.Warn().Str("tenant", tenantID).Err(err).Msg("reconnect failed, discarding connection")
				return nil, fmt.Errorf("tenant %s: %w", tenantID, backend.ErrConnectionLost)
			}
		}
		if err := e.client.Authorized(ctx); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		return e.client, nil
	}

	client, err := r.dialer.Dial(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("tenant %s: connecting: %w", tenantID, err)
	}
	if err := client.Authorized(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}

	e.client = client
	e.live.Store(true)
	r.log.Info().Str("tenant", tenantID).Str("kind", cred.Kind).Msg("connection established")
	return client, nil
}

// Release disconnects and removes the tenant's connection. Idempotent.
func (r *Registry) Release(tenantID string) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return
	}
	if err := e.client.Close(); err != nil {
		r.log.Warn().Str("tenant", tenantID).Err(err).Msg("closing connection")
	}
	e.client = nil
	e.live.Store(false)
	r.log.Info().Str("tenant", tenantID).Msg("connection released")
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.live.Load() {
			n++
		}
	}
	return n
}
