package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/backfill"
	"github.com/relaywire/relaywire/pkg/mapstore"
	"github.com/relaywire/relaywire/pkg/transform"
)

// DefaultSweepInterval is how often a running service purges expired message
// map entries and flushes the table.
const DefaultSweepInterval = 10 * time.Minute

// State is the service lifecycle: Stopped → Starting → Running → Stopping →
// Stopped.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Service is the per-service execution unit. It is registered with the
// tenant's router while running and owns its message map table, its expiry
// sweep, and (for copy mode) its backfill task.
type Service struct {
	cfg       ServiceConfig
	client    backend.Client
	store     *mapstore.Store
	tr        *transform.Transformer
	backfills *backfill.Manager
	log       zerolog.Logger

	sweepEvery time.Duration

	mu         sync.Mutex
	state      State
	sources    []backend.Channel
	dests      []backend.Channel
	sweepStop  context.CancelFunc
	sweepDone  chan struct{}
	task       *backfill.Task
}

func NewService(cfg ServiceConfig, client backend.Client, store *mapstore.Store, tr *transform.Transformer, backfills *backfill.Manager, log zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		client:     client,
		store:      store,
		tr:         tr,
		backfills:  backfills,
		log:        log.With().Str("component", "relay").Str("service", cfg.ID).Logger(),
		sweepEvery: DefaultSweepInterval,
	}
}

func (s *Service) ID() string       { return s.cfg.ID }
func (s *Service) TenantID() string { return s.cfg.TenantID }
func (s *Service) Name() string     { return s.cfg.Name }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sources returns the resolved source channel ids for router matching.
func (s *Service) Sources() []backend.ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.ChannelID, len(s.sources))
	for i, ch := range s.sources {
		out[i] = ch.ID
	}
	return out
}

// Start loads the persisted message map, re-resolves every configured
// channel, launches the expiry sweep and, for a copy-mode service with
// history replay enabled, enqueues a backfill task. Channels that fail to
// resolve are excluded and logged; only losing every source is fatal.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("service %s is %s, not stopped", s.cfg.ID, s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}

	if err := s.store.LoadService(ctx, s.cfg.ID); err != nil {
		return fail(fmt.Errorf("service %s: loading message map: %w", s.cfg.ID, err))
	}

	// Entity ids are only meaningful within a connection's resolution
	// cache, so both channel lists are re-resolved on every (re)start.
	sources := s.resolve(ctx, s.cfg.Sources, "source")
	if len(sources) == 0 {
		return fail(fmt.Errorf("service %s: %w", s.cfg.ID, ErrNoValidSource))
	}
	dests := s.resolve(ctx, s.cfg.Destinations, "destination")
	if len(dests) == 0 {
		s.log.Warn().Msg("no destination channel resolved, relayed messages will go nowhere")
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go s.sweep(sweepCtx, done)

	s.mu.Lock()
	s.sources = sources
	s.dests = dests
	s.sweepStop = cancel
	s.sweepDone = done
	s.state = StateRunning
	s.mu.Unlock()

	if s.cfg.Mode == ModeCopy && s.cfg.Copy.Backfill && s.backfills != nil {
		// History replays from the single configured source channel.
		task, err := s.backfills.Start(s.cfg.TenantID, s.cfg.ID, s.client, sources[0], s.cfg.Copy.HistoryOptions(), s)
		if err != nil {
			s.log.Warn().Err(err).Msg("backfill not started")
		} else {
			s.mu.Lock()
			s.task = task
			s.mu.Unlock()
		}
	}

	s.log.Info().
		Int("sources", len(sources)).
		Int("destinations", len(dests)).
		Bool("ai", s.tr.AIEnabled()).
		Msg("service started")
	return nil
}

func (s *Service) resolve(ctx context.Context, refs []string, role string) []backend.Channel {
	var out []backend.Channel
	for _, ref := range refs {
		ch, err := s.client.ResolveChannel(ctx, ref)
		if err != nil {
			s.log.Warn().Str("ref", ref).Str("role", role).Err(err).Msg("channel excluded, resolution failed")
			continue
		}
		out = append(out, ch)
	}
	return out
}

// Stop cancels the backfill task, stops the sweep, flushes the message map
// and releases the in-memory table. Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	sweepStop := s.sweepStop
	sweepDone := s.sweepDone
	s.sweepStop = nil
	s.sweepDone = nil
	s.task = nil
	s.mu.Unlock()

	if s.backfills != nil {
		s.backfills.Cancel(s.cfg.TenantID, s.cfg.ID)
	}
	if sweepStop != nil {
		sweepStop()
		<-sweepDone
	}

	if err := s.store.Flush(ctx, s.cfg.ID); err != nil {
		s.log.Error().Err(err).Msg("flushing message map on stop")
	}
	s.store.UnloadService(s.cfg.ID)

	s.mu.Lock()
	s.sources = nil
	s.dests = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.log.Info().Msg("service stopped")
	return nil
}

func (s *Service) sweep(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.PurgeExpired(ctx, s.cfg.ID)
			if err != nil {
				s.log.Error().Err(err).Msg("purging expired map entries")
				continue
			}
			if removed > 0 {
				s.log.Debug().Int("removed", removed).Msg("purged expired map entries")
			}
			if err := s.store.Flush(ctx, s.cfg.ID); err != nil {
				s.log.Error().Err(err).Msg("flushing message map")
			}
		}
	}
}

// OnNewMessage relays one live message: transform the text, send to every
// resolved destination, record the mapping. Per-destination send failures
// are logged and the remaining destinations still attempted.
func (s *Service) OnNewMessage(ctx context.Context, msg backend.Message) {
	s.relayNew(ctx, msg)
}

// OnEditedMessage replays an edit against the destinations recorded for the
// source message. An entry past its expiry window is absent by contract, so
// a late edit is dropped rather than resurrected. A failed edit falls back
// to a fresh send and the map entry is updated to the new destination id.
func (s *Service) OnEditedMessage(ctx context.Context, msg backend.Message) {
	key := mapstore.Key{Channel: msg.Channel, Message: msg.ID}
	dests, ok := s.store.Lookup(s.cfg.ID, key)
	if !ok {
		s.log.Debug().Str("message", string(msg.ID)).Msg("edit for unknown or expired message, dropped")
		return
	}

	out := backend.Outgoing{Text: s.tr.Apply(ctx, msg.Text), Media: msg.Media}
	updated := make(map[backend.ChannelID]backend.MessageID, len(dests))
	for ch, id := range dests {
		if err := s.client.Edit(ctx, ch, id, out); err != nil {
			s.log.Warn().Str("dest", string(ch)).Err(err).Msg("edit failed, sending fresh message")
			newID, sendErr := s.client.Send(ctx, ch, out)
			if sendErr != nil {
				s.log.Warn().Str("dest", string(ch)).Err(sendErr).Msg("fallback send failed")
				updated[ch] = id
				continue
			}
			updated[ch] = newID
			continue
		}
		updated[ch] = id
	}
	s.store.Record(s.cfg.ID, key, updated)
}

// RelayHistoric pushes one historical message through the live relay path.
// Called by the backfill task.
func (s *Service) RelayHistoric(ctx context.Context, msg backend.Message) error {
	if sent := s.relayNew(ctx, msg); sent == 0 {
		return fmt.Errorf("service %s: message %s reached no destination", s.cfg.ID, msg.ID)
	}
	return nil
}

func (s *Service) relayNew(ctx context.Context, msg backend.Message) int {
	s.mu.Lock()
	dests := append([]backend.Channel(nil), s.dests...)
	s.mu.Unlock()

	out := backend.Outgoing{Text: s.tr.Apply(ctx, msg.Text), Media: msg.Media}
	sent := make(map[backend.ChannelID]backend.MessageID, len(dests))
	for _, dest := range dests {
		id, err := s.client.Send(ctx, dest.ID, out)
		if err != nil {
			s.log.Warn().Str("dest", string(dest.ID)).Err(err).Msg("send failed")
			continue
		}
		sent[dest.ID] = id
	}
	if len(sent) > 0 {
		s.store.Record(s.cfg.ID, mapstore.Key{Channel: msg.Channel, Message: msg.ID}, sent)
	}
	return len(sent)
}

// SetSweepInterval overrides the sweep cadence. Must be called before Start.
func (s *Service) SetSweepInterval(d time.Duration) {
	if d > 0 {
		s.sweepEvery = d
	}
}
