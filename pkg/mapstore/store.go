// Package mapstore keeps the per-service message maps: which destination
// message(s) a relayed source message produced, so that later edits can be
// replayed against the right targets. Tables live in memory and are persisted
// through a pluggable Persistence backend.
package mapstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

// EntryTTL is the fixed expiry window. An entry at least this old is inert:
// lookups treat it as absent and the sweep purges it. The boundary is
// inclusive.
const EntryTTL = 2 * time.Hour

// Key identifies a source message.
type Key struct {
	Channel backend.ChannelID `json:"channel"`
	Message backend.MessageID `json:"message"`
}

// Entry maps a source message to the destination messages it produced.
type Entry struct {
	Destinations map[backend.ChannelID]backend.MessageID `json:"destinations"`
	Touched      time.Time                               `json:"touched"`
}

// Persistence is the durable side of the store. Save must be atomic from the
// caller's perspective: a crash mid-save must leave either the old or the new
// table, never a mix.
type Persistence interface {
	Load(ctx context.Context, serviceID string) (map[Key]Entry, error)
	Save(ctx context.Context, serviceID string, entries map[Key]Entry) error
	Delete(ctx context.Context, serviceID string) error
}

type Store struct {
	persist Persistence
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	tables map[string]map[Key]Entry
}

func NewStore(persist Persistence, log zerolog.Logger) *Store {
	return &Store{
		persist: persist,
		log:     log.With().Str("component", "mapstore").Logger(),
		now:     time.Now,
		tables:  make(map[string]map[Key]Entry),
	}
}

// LoadService hydrates a service's table from durable storage. Safe to call
// again after UnloadService on a service restart.
func (s *Store) LoadService(ctx context.Context, serviceID string) error {
	entries, err := s.persist.Load(ctx, serviceID)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = make(map[Key]Entry)
	}
	s.mu.Lock()
	s.tables[serviceID] = entries
	s.mu.Unlock()
	return nil
}

// Record stores or refreshes the destination mapping for a source message.
func (s *Store) Record(serviceID string, key Key, dests map[backend.ChannelID]backend.MessageID) {
	cloned := make(map[backend.ChannelID]backend.MessageID, len(dests))
	for ch, id := range dests {
		cloned[ch] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[serviceID]
	if !ok {
		table = make(map[Key]Entry)
		s.tables[serviceID] = table
	}
	table[key] = Entry{Destinations: cloned, Touched: s.now()}
}

// Lookup returns the destination mapping for a source message. An entry whose
// age has reached EntryTTL is reported absent even if not yet purged; an
// expired entry is never resurrected.
func (s *Store) Lookup(serviceID string, key Key) (map[backend.ChannelID]backend.MessageID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[serviceID]
	if !ok {
		return nil, false
	}
	entry, ok := table[key]
	if !ok {
		return nil, false
	}
	if s.now().Sub(entry.Touched) >= EntryTTL {
		return nil, false
	}
	out := make(map[backend.ChannelID]backend.MessageID, len(entry.Destinations))
	for ch, id := range entry.Destinations {
		out[ch] = id
	}
	return out, true
}

// PurgeExpired drops expired entries from the table and from durable storage.
func (s *Store) PurgeExpired(ctx context.Context, serviceID string) (int, error) {
	s.mu.Lock()
	table, ok := s.tables[serviceID]
	if !ok {
		s.mu.Unlock()
		return 0, nil
	}
	cutoff := s.now()
	removed := 0
	for key, entry := range table {
		if cutoff.Sub(entry.Touched) >= EntryTTL {
			delete(table, key)
			removed++
		}
	}
	snapshot := cloneTable(table)
	s.mu.Unlock()

	if removed == 0 {
		return 0, nil
	}
	if err := s.persist.Save(ctx, serviceID, snapshot); err != nil {
		return removed, err
	}
	return removed, nil
}

// Flush persists the current in-memory table.
func (s *Store) Flush(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	table, ok := s.tables[serviceID]
	var snapshot map[Key]Entry
	if ok {
		snapshot = cloneTable(table)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.persist.Save(ctx, serviceID, snapshot)
}

// UnloadService drops the in-memory table. Durable state is untouched; call
// Flush first on a clean stop.
func (s *Store) UnloadService(serviceID string) {
	s.mu.Lock()
	delete(s.tables, serviceID)
	s.mu.Unlock()
}

// Delete drops the durable record entirely. Used when the owning relay
// service is deleted.
func (s *Store) Delete(ctx context.Context, serviceID string) error {
	s.mu.Lock()
	delete(s.tables, serviceID)
	s.mu.Unlock()
	return s.persist.Delete(ctx, serviceID)
}

// SetNow overrides the store clock. Tests only.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

func cloneTable(table map[Key]Entry) map[Key]Entry {
	out := make(map[Key]Entry, len(table))
	for key, entry := range table {
		dests := make(map[backend.ChannelID]backend.MessageID, len(entry.Destinations))
		for ch, id := range entry.Destinations {
			dests[ch] = id
		}
		out[key] = Entry{Destinations: dests, Touched: entry.Touched}
	}
	return out
}
