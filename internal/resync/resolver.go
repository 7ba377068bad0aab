// Package resync decides, per reconnecting subscription, whether a client
// can catch up from queued patches or must take a fresh snapshot.
package resync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
	"github.com/roach88/statesync/internal/subscribe"
)

// Status classifies the outcome for one subscription.
type Status string

const (
	// StatusCurrent: the client's known version is already current.
	StatusCurrent Status = "current"
	// StatusPatched: the patch log covers the gap; payload is the chain.
	StatusPatched Status = "patched"
	// StatusSnapshot: the log cannot cover the gap; payload is full state.
	StatusSnapshot Status = "snapshot"
	// StatusDeleted: the entity no longer exists.
	StatusDeleted Status = "deleted"
	// StatusError: this entry failed internally; siblings are unaffected.
	StatusError Status = "error"
)

// Request is one subscription's last-known position.
type Request struct {
	SubscriptionID string   `json:"subscriptionId"`
	Entity         string   `json:"entity"`
	EntityID       string   `json:"id"`
	KnownVersion   uint64   `json:"version"`
	Fields         []string `json:"fields,omitempty"`

	// ContentHash optionally carries the client's snapshot hash so silent
	// divergence is caught even when version numbers agree.
	ContentHash string `json:"contentHash,omitempty"`
}

// Result is the resolution for one subscription.
type Result struct {
	SubscriptionID string         `json:"subscriptionId"`
	Entity         string         `json:"entity"`
	EntityID       string         `json:"id"`
	Status         Status         `json:"status"`
	Version        uint64         `json:"version"`
	Patches        [][]patch.Op   `json:"patches,omitempty"`
	Data           patch.Snapshot `json:"data,omitempty"`
	Err            string         `json:"error,omitempty"`
}

// Resolver answers reconnection requests against the versioned store.
type Resolver struct {
	store  store.Adapter
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a resolver over the given store.
func New(st store.Adapter, opts ...Option) *Resolver {
	r := &Resolver{store: st, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve processes a reconnect batch. Each subscription resolves
// independently: a fault or snapshot fallback in one entry never blocks or
// fails the others.
func (r *Resolver) Resolve(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))
	for i, req := range reqs {
		results[i] = r.resolveOne(ctx, req)
	}
	return results
}

func (r *Resolver) resolveOne(ctx context.Context, req Request) Result {
	res := Result{
		SubscriptionID: req.SubscriptionID,
		Entity:         req.Entity,
		EntityID:       req.EntityID,
	}
	fields := subscribe.NewFieldSet(req.Fields...)

	exists, err := r.store.Has(ctx, req.Entity, req.EntityID)
	if err != nil {
		return r.fail(res, "check entity", err)
	}
	if !exists {
		res.Status = StatusDeleted
		return res
	}

	current, err := r.store.GetVersion(ctx, req.Entity, req.EntityID)
	if err != nil {
		return r.fail(res, "read version", err)
	}
	res.Version = current

	if req.KnownVersion >= current {
		if req.ContentHash != "" {
			matches, err := r.verifyHash(ctx, req)
			if err != nil {
				return r.fail(res, "verify content hash", err)
			}
			if !matches {
				// Versions agree but content doesn't: silent divergence.
				// Recover with a full snapshot.
				return r.snapshot(ctx, res, fields)
			}
		}
		res.Status = StatusCurrent
		return res
	}

	chain, err := r.store.GetPatchesSince(ctx, req.Entity, req.EntityID, req.KnownVersion)
	switch {
	case errors.Is(err, store.ErrLogGap), errors.Is(err, store.ErrNotFound):
		return r.snapshot(ctx, res, fields)
	case err != nil:
		return r.fail(res, "read patch chain", err)
	}

	res.Status = StatusPatched
	res.Patches = filterChain(chain, fields)
	return res
}

// snapshot fills the full-state fallback for one entry.
func (r *Resolver) snapshot(ctx context.Context, res Result, fields subscribe.FieldSet) Result {
	data, err := r.store.GetState(ctx, res.Entity, res.EntityID)
	if err != nil {
		return r.fail(res, "read snapshot", err)
	}
	if data == nil {
		// Deleted between the existence check and the read.
		res.Status = StatusDeleted
		return res
	}
	res.Status = StatusSnapshot
	res.Data = fields.FilterSnapshot(data)
	return res
}

func (r *Resolver) verifyHash(ctx context.Context, req Request) (bool, error) {
	data, err := r.store.GetState(ctx, req.Entity, req.EntityID)
	if err != nil {
		return false, err
	}
	hash, err := patch.HashSnapshot(data)
	if err != nil {
		return false, err
	}
	return hash == req.ContentHash, nil
}

func (r *Resolver) fail(res Result, op string, err error) Result {
	r.logger.Info("resync entry failed",
		"subscription", res.SubscriptionID,
		"entity", res.Entity,
		"id", res.EntityID,
		"op", op,
		"err", err)
	res.Status = StatusError
	res.Err = fmt.Sprintf("%s: %v", op, err)
	return res
}

// filterChain applies the field filter to every patch in the chain,
// dropping entries the filter empties. Applying the filtered chain in order
// still reproduces the current state of the requested fields.
func filterChain(chain [][]patch.Op, fields subscribe.FieldSet) [][]patch.Op {
	filtered := make([][]patch.Op, 0, len(chain))
	for _, ops := range chain {
		kept := fields.FilterOps(ops)
		if len(kept) > 0 {
			filtered = append(filtered, kept)
		}
	}
	return filtered
}
