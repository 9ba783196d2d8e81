// Package router dispatches a tenant's multiplexed event stream to the relay
// services whose source channels match. Each tenant owns one Router with a
// dedicated consumer goroutine; registrations mutate an index that is rebuilt
// in full on every change, so no stale entry can outlive a deregistration.
package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relaywire/relaywire/pkg/backend"
)

// ErrClosed is returned when publishing to a closed Router.
var ErrClosed = errors.New("router closed")

// Service is the routing view of a relay service.
type Service interface {
	ID() string
	Sources() []backend.ChannelID
	OnNewMessage(ctx context.Context, msg backend.Message)
	OnEditedMessage(ctx context.Context, msg backend.Message)
}

type Router struct {
	tenantID string
	log      zerolog.Logger

	inbound chan backend.Event
	done    chan struct{}
	closed  atomic.Bool

	mu       sync.RWMutex
	services map[string]Service
	index    map[backend.ChannelID][]Service
}

func New(tenantID string, log zerolog.Logger) *Router {
	return &Router{
		tenantID: tenantID,
		log:      log.With().Str("component", "router").Str("tenant", tenantID).Logger(),
		inbound:  make(chan backend.Event, 100),
		done:     make(chan struct{}),
		services: make(map[string]Service),
		index:    make(map[backend.ChannelID][]Service),
	}
}

// Register adds a service and rebuilds the channel index before the next
// event is processed.
func (r *Router) Register(svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ID()] = svc
	r.rebuildLocked()
}

// Deregister removes a service. A no-op for unknown ids.
func (r *Router) Deregister(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[serviceID]; !ok {
		return
	}
	delete(r.services, serviceID)
	r.rebuildLocked()
}

func (r *Router) rebuildLocked() {
	index := make(map[backend.ChannelID][]Service, len(r.index))
	for _, svc := range r.services {
		for _, ch := range svc.Sources() {
			index[ch] = append(index[ch], svc)
		}
	}
	r.index = index
}

// HandlerCount reports the number of registered services.
func (r *Router) HandlerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Publish queues an inbound event for dispatch.
func (r *Router) Publish(ctx context.Context, ev backend.Event) error {
	if r.closed.Load() {
		return ErrClosed
	}
	select {
	case r.inbound <- ev:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the queue until the context is cancelled or the router is
// closed. Dispatch is serial per tenant, which keeps per-service ordering of
// a message and its later edits.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev := <-r.inbound:
			r.dispatch(ctx, ev)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, ev backend.Event) {
	// Only new and edited messages are relayable; everything else is
	// discarded without further work, as are content-free messages.
	if ev.Kind != backend.EventNewMessage && ev.Kind != backend.EventEditedMessage {
		return
	}
	if ev.Message.Empty() {
		return
	}

	r.mu.RLock()
	targets := append([]Service(nil), r.index[ev.Message.Channel]...)
	r.mu.RUnlock()

	for _, svc := range targets {
		switch ev.Kind {
		case backend.EventNewMessage:
			svc.OnNewMessage(ctx, ev.Message)
		case backend.EventEditedMessage:
			svc.OnEditedMessage(ctx, ev.Message)
		}
	}
}

// Close stops the router. Idempotent.
func (r *Router) Close() {
	if r.closed.CompareAndSwap(false, true) {
		close(r.done)
	}
}
