package subscribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
)

// SendFunc delivers one server message to one client. Implementations
// should enqueue onto a per-client outbox rather than perform blocking I/O;
// the dispatcher additionally runs sends on independent goroutines so a
// misbehaving implementation still cannot stall sibling subscribers.
type SendFunc func(clientID string, msg ServerMessage) error

// Dispatcher joins the versioned store with the subscription registry.
// On each state change it asks the store for the new version and patch
// once, then pushes per-subscriber filtered views of that same payload.
type Dispatcher struct {
	store    store.Adapter
	registry *Registry
	send     SendFunc
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the structured logger used for send-failure reporting.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over the given store, registry, and
// send function.
func NewDispatcher(st store.Adapter, reg *Registry, send SendFunc, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		registry: reg,
		send:     send,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Broadcast writes newData as the entity's canonical state and notifies
// every subscriber.
//
// The emit happens even with zero subscribers — state must stay current for
// future ones. The diff is computed exactly once (inside Emit) regardless
// of subscriber count; each subscriber only gets a field-filtered view of
// that shared payload. Per-subscriber send failures are logged and
// isolated, never propagated to siblings or to the caller.
func (d *Dispatcher) Broadcast(ctx context.Context, entity, id string, newData patch.Snapshot) (store.EmitResult, error) {
	res, err := d.store.Emit(ctx, entity, id, newData)
	if err != nil {
		return store.EmitResult{}, fmt.Errorf("broadcast %s:%s: %w", entity, id, err)
	}
	if !res.Changed {
		return res, nil
	}

	subs := d.registry.Subscribers(entity, id)
	if len(subs) == 0 {
		return res, nil
	}

	// No patch available: first emission, or a shared-store conflict
	// degraded this write. Fall back to the full snapshot, re-read so it
	// reflects the canonical winner.
	var fallback patch.Snapshot
	if res.Patch == nil {
		fallback, err = d.store.GetState(ctx, entity, id)
		if err != nil {
			return res, fmt.Errorf("broadcast %s:%s: read fallback snapshot: %w", entity, id, err)
		}
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		var msg ServerMessage
		if res.Patch != nil {
			filtered := sub.Fields.FilterOps(res.Patch)
			if len(filtered) == 0 {
				// Nothing this subscriber asked for changed.
				continue
			}
			msg = PatchMsg{Entity: entity, EntityID: id, Patch: filtered, Version: res.Version}
		} else {
			msg = DataMsg{Entity: entity, EntityID: id, Data: sub.Fields.FilterSnapshot(fallback), Version: res.Version}
		}

		wg.Add(1)
		go func(sub Subscription, msg ServerMessage) {
			defer wg.Done()
			d.deliver(sub, msg)
		}(sub, msg)
	}
	wg.Wait()

	return res, nil
}

// deliver sends one message, containing any failure to this subscriber.
func (d *Dispatcher) deliver(sub Subscription, msg ServerMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Info("send panicked",
				"client", sub.ClientID,
				"subscription", sub.SubscriptionID,
				"panic", fmt.Sprint(r))
		}
	}()
	if err := d.send(sub.ClientID, msg); err != nil {
		d.logger.Info("send failed",
			"client", sub.ClientID,
			"subscription", sub.SubscriptionID,
			"entity", sub.Entity,
			"id", sub.EntityID,
			"err", err)
	}
}
