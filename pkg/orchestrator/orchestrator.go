// Package orchestrator is the engine's top level: it (re)starts and stops a
// tenant's relay services against the configuration layer's current state,
// owning the per-tenant router, connection lifetime and exclusion.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
	"github.com/relaywire/relaywire/pkg/backfill"
	"github.com/relaywire/relaywire/pkg/conn"
	"github.com/relaywire/relaywire/pkg/events"
	"github.com/relaywire/relaywire/pkg/generate"
	"github.com/relaywire/relaywire/pkg/mapstore"
	"github.com/relaywire/relaywire/pkg/relay"
	"github.com/relaywire/relaywire/pkg/router"
	"github.com/relaywire/relaywire/pkg/transform"
)

// Credentials is a tenant's credential set as held by the configuration
// layer. Generation is nil when the tenant has no AI account; the rewrite
// stage is then silently disabled rather than failing startup.
type Credentials struct {
	Connection backend.Credential
	Generation *generate.Credential
}

// ConfigStore is the configuration layer boundary. Service CRUD, sessions
// and billing live behind it, out of the engine's scope.
type ConfigStore interface {
	ListActiveServices(ctx context.Context, tenantID string) ([]relay.ServiceConfig, error)
	TenantCredentials(ctx context.Context, tenantID string) (Credentials, error)
	MarkServiceActivated(ctx context.Context, serviceID string, at time.Time) error
}

type Orchestrator struct {
	store     ConfigStore
	conns     *conn.Registry
	maps      *mapstore.Store
	backfills *backfill.Manager
	pub       events.Publisher
	log       zerolog.Logger

	sweepInterval time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantState
}

// tenantState serializes all start/stop work for one tenant. Concurrent
// starts and stops for the same tenant must not race; its mutex is the
// per-tenant exclusion.
type tenantState struct {
	mu sync.Mutex

	id         string
	client     backend.Client
	router     *router.Router
	routerStop context.CancelFunc
	pumpDone   chan struct{}
	services   map[string]*relay.Service
}

func New(store ConfigStore, conns *conn.Registry, maps *mapstore.Store, backfills *backfill.Manager, pub events.Publisher, log zerolog.Logger) *Orchestrator {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &Orchestrator{
		store:     store,
		conns:     conns,
		maps:      maps,
		backfills: backfills,
		pub:       pub,
		log:       log.With().Str("component", "orchestrator").Logger(),
		tenants:   make(map[string]*tenantState),
	}
}

// SetSweepInterval overrides the expiry sweep cadence applied to services
// started from now on.
func (o *Orchestrator) SetSweepInterval(d time.Duration) {
	o.sweepInterval = d
}

func (o *Orchestrator) tenant(tenantID string) *tenantState {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tenants[tenantID]
	if !ok {
		t = &tenantState{id: tenantID, services: make(map[string]*relay.Service)}
		o.tenants[tenantID] = t
	}
	return t
}

// StartTenantServices (re)starts every active service for a tenant against
// the configuration layer's current state. Idempotent: calling it twice
// without a configuration change leaves one live connection and one
// registered handler per service. Services that were edited are restarted
// stop-then-start; services no longer active are stopped; per-service
// startup failures are reported but do not abort the other services.
func (o *Orchestrator) StartTenantServices(ctx context.Context, tenantID string) error {
	t := o.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	cfgs, err := o.store.ListActiveServices(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant %s: listing services: %w", tenantID, err)
	}
	if len(cfgs) == 0 {
		o.teardownLocked(ctx, t)
		return nil
	}

	creds, err := o.store.TenantCredentials(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("tenant %s: loading credentials: %w", tenantID, err)
	}

	client, err := o.conns.Acquire(ctx, tenantID, creds.Connection)
	if err != nil {
		return err
	}
	t.client = client
	o.ensureRouterLocked(t, client)

	// Stop services that are no longer active.
	active := make(map[string]bool, len(cfgs))
	for _, cfg := range cfgs {
		active[cfg.ID] = true
	}
	for id, svc := range t.services {
		if !active[id] {
			o.stopServiceLocked(ctx, t, svc, true)
		}
	}

	var errs []error
	for _, cfg := range cfgs {
		// A restart is strictly stop-then-start so a handler can never
		// be registered twice.
		if running, ok := t.services[cfg.ID]; ok {
			o.stopServiceLocked(ctx, t, running, false)
		}

		svc, err := o.buildService(cfg, client, creds)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := svc.Start(ctx); err != nil {
			o.log.Error().Str("tenant", tenantID).Str("service", cfg.ID).Err(err).Msg("service failed to start")
			errs = append(errs, err)
			continue
		}
		t.router.Register(svc)
		t.services[cfg.ID] = svc

		if cfg.ActivatedAt == nil {
			if err := o.store.MarkServiceActivated(ctx, cfg.ID, time.Now().UTC()); err != nil {
				o.log.Warn().Str("service", cfg.ID).Err(err).Msg("marking service activated")
			}
		}
		if err := client.Notify(ctx, fmt.Sprintf("Relay service %q is now active.", cfg.Name)); err != nil {
			o.log.Warn().Str("service", cfg.ID).Err(err).Msg("sending activation notice")
		}
		o.publish(ctx, events.TypeServiceStarted, events.ServiceEvent{TenantID: tenantID, ServiceID: cfg.ID, Name: cfg.Name})
	}

	// Nothing started: no reason to hold a connection.
	if len(t.services) == 0 {
		o.teardownLocked(ctx, t)
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) buildService(cfg relay.ServiceConfig, client backend.Client, creds Credentials) (*relay.Service, error) {
	var gen generate.Generator
	if cfg.Prompt != "" && creds.Generation != nil {
		g, err := generate.New(*creds.Generation, o.log)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", cfg.ID, err)
		}
		gen = g
	}
	tr := transform.New(gen, cfg.Prompt, cfg.Rules, o.log)
	svc := relay.NewService(cfg, client, o.maps, tr, o.backfills, o.log)
	if o.sweepInterval > 0 {
		svc.SetSweepInterval(o.sweepInterval)
	}
	return svc, nil
}

func (o *Orchestrator) ensureRouterLocked(t *tenantState, client backend.Client) {
	if t.router != nil {
		return
	}
	r := router.New(t.id, o.log)
	runCtx, cancel := context.WithCancel(context.Background())
	go r.Run(runCtx)

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range client.Events() {
			if err := r.Publish(runCtx, ev); err != nil {
				return
			}
		}
	}()

	t.router = r
	t.routerStop = cancel
	t.pumpDone = pumpDone
}

// StopService stops one service; a no-op when it is not running. Stopping
// the tenant's last running service releases the connection.
func (o *Orchestrator) StopService(ctx context.Context, tenantID, serviceID string) error {
	t := o.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	svc, ok := t.services[serviceID]
	if !ok {
		return nil
	}
	o.stopServiceLocked(ctx, t, svc, true)
	if len(t.services) == 0 {
		o.teardownLocked(ctx, t)
	}
	return nil
}

func (o *Orchestrator) stopServiceLocked(ctx context.Context, t *tenantState, svc *relay.Service, notify bool) {
	if t.router != nil {
		t.router.Deregister(svc.ID())
	}
	if err := svc.Stop(ctx); err != nil {
		o.log.Error().Str("service", svc.ID()).Err(err).Msg("stopping service")
	}
	delete(t.services, svc.ID())

	// Internal restarts pass notify=false; only a real deactivation is
	// announced to the tenant and the dashboard.
	if notify {
		if t.client != nil {
			if err := t.client.Notify(ctx, fmt.Sprintf("Relay service %q is now inactive.", svc.Name())); err != nil {
				o.log.Warn().Str("service", svc.ID()).Err(err).Msg("sending deactivation notice")
			}
		}
		o.publish(ctx, events.TypeServiceStopped, events.ServiceEvent{TenantID: t.id, ServiceID: svc.ID(), Name: svc.Name()})
	}
}

// StopTenantServices is the full teardown: every service stopped, the router
// shut down, the connection released.
func (o *Orchestrator) StopTenantServices(ctx context.Context, tenantID string) error {
	t := o.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, svc := range t.services {
		o.stopServiceLocked(ctx, t, svc, true)
	}
	o.teardownLocked(ctx, t)
	o.publish(ctx, events.TypeTenantStopped, events.TenantEvent{TenantID: tenantID})
	return nil
}

func (o *Orchestrator) teardownLocked(ctx context.Context, t *tenantState) {
	t.client = nil
	if t.router == nil {
		o.conns.Release(t.id)
		return
	}
	t.router.Close()
	t.routerStop()
	t.router = nil
	t.routerStop = nil

	// Releasing the connection closes its event stream, which ends the
	// pump.
	pumpDone := t.pumpDone
	t.pumpDone = nil
	o.conns.Release(t.id)
	if pumpDone != nil {
		<-pumpDone
	}
}

// PurgeServiceData drops a service's durable message map. The configuration
// layer calls this when a relay service is deleted.
func (o *Orchestrator) PurgeServiceData(ctx context.Context, serviceID string) error {
	return o.maps.Delete(ctx, serviceID)
}

// Shutdown stops every known tenant. Used on process exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.tenants))
	for id := range o.tenants {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopTenantServices(ctx, id); err != nil {
			o.log.Error().Str("tenant", id).Err(err).Msg("stopping tenant on shutdown")
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, data any) {
	if err := o.pub.Publish(ctx, eventType, events.NewEnvelope(eventType, data)); err != nil {
		o.log.Warn().Str("type", eventType).Err(err).Msg("publishing lifecycle event")
	}
}
