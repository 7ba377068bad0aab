// Package invalidate evicts entities from a store by key, tag, glob
// pattern, or cascade rule.
package invalidate

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/statesync/internal/store"
)

// Operation names the mutation kind a cascade rule reacts to.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Rule cascades invalidation from one entity type to others. Empty
// Operations means the rule fires on every operation.
type Rule struct {
	Source     string
	Operations []Operation
	Targets    []string
}

func (r Rule) fires(op Operation) bool {
	return len(r.Operations) == 0 || slices.Contains(r.Operations, op)
}

// Deleter is the slice of the store adapter invalidation needs.
type Deleter interface {
	Delete(ctx context.Context, entity, id string) error
}

// Invalidator tracks tagged entities and cascade rules over a store.
// Pattern and cascade invalidation only reach entities registered via
// TagEntity or Track; the store itself is never enumerated.
type Invalidator struct {
	mu      sync.Mutex
	deleter Deleter
	tags    map[string]mapset.Set[store.Key]
	byKey   map[store.Key]mapset.Set[string]
	tracked mapset.Set[store.Key]
	rules   []Rule
	logger  *slog.Logger
}

// Option configures an Invalidator.
type Option func(*Invalidator)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(inv *Invalidator) { inv.logger = l }
}

// New creates an Invalidator over the given deleter.
func New(deleter Deleter, opts ...Option) *Invalidator {
	inv := &Invalidator{
		deleter: deleter,
		tags:    make(map[string]mapset.Set[store.Key]),
		byKey:   make(map[store.Key]mapset.Set[string]),
		tracked: mapset.NewSet[store.Key](),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Track registers an entity for pattern and cascade matching without
// tagging it.
func (inv *Invalidator) Track(entity, id string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.tracked.Add(store.Key{Entity: entity, ID: id})
}

// TagEntity associates a tag with an entity, tracking it as a side effect.
func (inv *Invalidator) TagEntity(tag, entity, id string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	key := store.Key{Entity: entity, ID: id}
	inv.tracked.Add(key)
	set, ok := inv.tags[tag]
	if !ok {
		set = mapset.NewSet[store.Key]()
		inv.tags[tag] = set
	}
	set.Add(key)

	back, ok := inv.byKey[key]
	if !ok {
		back = mapset.NewSet[string]()
		inv.byKey[key] = back
	}
	back.Add(tag)
}

// Invalidate deletes one entity from the store and drops its tag and
// tracking state.
func (inv *Invalidator) Invalidate(ctx context.Context, entity, id string) error {
	inv.mu.Lock()
	key := store.Key{Entity: entity, ID: id}
	inv.forgetLocked(key)
	inv.mu.Unlock()

	if err := inv.deleter.Delete(ctx, entity, id); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidateByTags invalidates every entity carrying any of the tags.
func (inv *Invalidator) InvalidateByTags(ctx context.Context, tags ...string) error {
	inv.mu.Lock()
	keys := mapset.NewSet[store.Key]()
	for _, tag := range tags {
		if set, ok := inv.tags[tag]; ok {
			keys = keys.Union(set)
		}
	}
	inv.mu.Unlock()

	return inv.invalidateAll(ctx, keys.ToSlice())
}

// InvalidateByPattern invalidates tracked entities whose "entity:id" key
// matches the glob pattern. * and ? carry their path.Match meaning.
func (inv *Invalidator) InvalidateByPattern(ctx context.Context, pattern string) error {
	inv.mu.Lock()
	var keys []store.Key
	for _, key := range inv.tracked.ToSlice() {
		ok, err := path.Match(pattern, key.String())
		if err != nil {
			inv.mu.Unlock()
			return fmt.Errorf("invalidate pattern %q: %w", pattern, err)
		}
		if ok {
			keys = append(keys, key)
		}
	}
	inv.mu.Unlock()

	return inv.invalidateAll(ctx, keys)
}

// AddCascade registers a cascade rule.
func (inv *Invalidator) AddCascade(rule Rule) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.rules = append(inv.rules, rule)
}

// Cascade invalidates every tracked entity of the types reachable from the
// source entity's cascade rules, recursively. A visited set over entity
// types keeps rule cycles from looping.
func (inv *Invalidator) Cascade(ctx context.Context, entity, id string, op Operation) error {
	inv.mu.Lock()
	visited := mapset.NewSet(entity)
	targets := inv.reachableLocked(entity, op, visited)

	var keys []store.Key
	for _, key := range inv.tracked.ToSlice() {
		if targets.Contains(key.Entity) {
			keys = append(keys, key)
		}
	}
	inv.mu.Unlock()

	inv.logger.Debug("cascade", "source", store.Key{Entity: entity, ID: id}, "op", string(op), "entities", len(keys))
	return inv.invalidateAll(ctx, keys)
}

// reachableLocked walks the rule graph breadth-first from source,
// collecting target entity types.
func (inv *Invalidator) reachableLocked(source string, op Operation, visited mapset.Set[string]) mapset.Set[string] {
	targets := mapset.NewSet[string]()
	frontier := []string{source}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, rule := range inv.rules {
			if rule.Source != current || !rule.fires(op) {
				continue
			}
			for _, target := range rule.Targets {
				if visited.Add(target) {
					targets.Add(target)
					frontier = append(frontier, target)
				}
			}
		}
	}
	return targets
}

func (inv *Invalidator) invalidateAll(ctx context.Context, keys []store.Key) error {
	slices.SortFunc(keys, func(a, b store.Key) int {
		if a.Entity != b.Entity {
			if a.Entity < b.Entity {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	for _, key := range keys {
		if err := inv.Invalidate(ctx, key.Entity, key.ID); err != nil {
			return err
		}
	}
	return nil
}

// forgetLocked drops all tag and tracking state for a key.
func (inv *Invalidator) forgetLocked(key store.Key) {
	inv.tracked.Remove(key)
	if back, ok := inv.byKey[key]; ok {
		for _, tag := range back.ToSlice() {
			if set, ok := inv.tags[tag]; ok {
				set.Remove(key)
				if set.Cardinality() == 0 {
					delete(inv.tags, tag)
				}
			}
		}
		delete(inv.byKey, key)
	}
}
