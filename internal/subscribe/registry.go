// Package subscribe maps entity keys to interested clients and fans one
// computed patch out to all of them. Registration is independent of state
// storage: the registry holds membership, the dispatcher joins it with the
// versioned store on each broadcast.
package subscribe

import (
	"slices"
	"strings"
	"sync"

	"github.com/roach88/statesync/internal/store"
)

// Subscription is one client's registered interest in one entity.
// A client may hold many subscriptions, including several to the same
// entity with different field sets.
type Subscription struct {
	ClientID       string
	SubscriptionID string
	Entity         string
	EntityID       string
	Fields         FieldSet
}

// subKey identifies a subscription record. Subscription ids are scoped to
// their client, so two clients may reuse the same id without colliding.
type subKey struct {
	clientID       string
	subscriptionID string
}

// Registry is the subscription membership index. It is keyed both ways —
// entity→subscriptions for broadcast fan-out and client→subscriptions so
// disconnect cleanup is O(that client's subscriptions).
type Registry struct {
	mu       sync.RWMutex
	byEntity map[store.Key]map[subKey]*Subscription
	byClient map[string]map[subKey]*Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byEntity: make(map[store.Key]map[subKey]*Subscription),
		byClient: make(map[string]map[subKey]*Subscription),
	}
}

// Subscribe registers (or re-registers) a subscription. Re-subscribing with
// the same (client, subscription) pair replaces the previous record.
func (r *Registry) Subscribe(clientID, subscriptionID, entity, entityID string, fields FieldSet) {
	sub := &Subscription{
		ClientID:       clientID,
		SubscriptionID: subscriptionID,
		Entity:         entity,
		EntityID:       entityID,
		Fields:         fields,
	}
	sk := subKey{clientID: clientID, subscriptionID: subscriptionID}
	ek := store.Key{Entity: entity, ID: entityID}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A re-subscribe may move the subscription to a different entity;
	// drop the old entity-index entry first.
	if old, ok := r.byClient[clientID][sk]; ok {
		r.removeFromEntityIndex(old, sk)
	}

	if r.byEntity[ek] == nil {
		r.byEntity[ek] = make(map[subKey]*Subscription)
	}
	r.byEntity[ek][sk] = sub

	if r.byClient[clientID] == nil {
		r.byClient[clientID] = make(map[subKey]*Subscription)
	}
	r.byClient[clientID][sk] = sub
}

// Unsubscribe removes one subscription. Unknown pairs are a no-op.
func (r *Registry) Unsubscribe(clientID, subscriptionID string) {
	sk := subKey{clientID: clientID, subscriptionID: subscriptionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byClient[clientID][sk]
	if !ok {
		return
	}
	r.removeFromEntityIndex(sub, sk)
	delete(r.byClient[clientID], sk)
	if len(r.byClient[clientID]) == 0 {
		delete(r.byClient, clientID)
	}
}

// UpdateFields replaces a subscription's field filter. Returns false if the
// subscription does not exist.
func (r *Registry) UpdateFields(clientID, subscriptionID string, fields FieldSet) bool {
	sk := subKey{clientID: clientID, subscriptionID: subscriptionID}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byClient[clientID][sk]
	if !ok {
		return false
	}
	sub.Fields = fields
	return true
}

// DropClient removes every subscription held by the client. Cost is
// proportional to that client's subscription count, not the registry size.
func (r *Registry) DropClient(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for sk, sub := range r.byClient[clientID] {
		r.removeFromEntityIndex(sub, sk)
	}
	delete(r.byClient, clientID)
}

// Subscribers returns a copy of the entity's subscriber records in a stable
// order (clientID, then subscriptionID), so fan-out and traces are
// deterministic.
func (r *Registry) Subscribers(entity, entityID string) []Subscription {
	ek := store.Key{Entity: entity, ID: entityID}

	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscription, 0, len(r.byEntity[ek]))
	for _, sub := range r.byEntity[ek] {
		subs = append(subs, *sub)
	}
	slices.SortFunc(subs, func(a, b Subscription) int {
		if c := strings.Compare(a.ClientID, b.ClientID); c != 0 {
			return c
		}
		return strings.Compare(a.SubscriptionID, b.SubscriptionID)
	})
	return subs
}

// ClientSubscriptions returns a copy of one client's subscription records,
// in stable subscriptionID order. Reconnect handling uses this to rebuild
// resync requests.
func (r *Registry) ClientSubscriptions(clientID string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]Subscription, 0, len(r.byClient[clientID]))
	for _, sub := range r.byClient[clientID] {
		subs = append(subs, *sub)
	}
	slices.SortFunc(subs, func(a, b Subscription) int {
		return strings.Compare(a.SubscriptionID, b.SubscriptionID)
	})
	return subs
}

// Len returns the total number of registered subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, subs := range r.byClient {
		n += len(subs)
	}
	return n
}

// removeFromEntityIndex must be called with r.mu held.
func (r *Registry) removeFromEntityIndex(sub *Subscription, sk subKey) {
	ek := store.Key{Entity: sub.Entity, ID: sub.EntityID}
	delete(r.byEntity[ek], sk)
	if len(r.byEntity[ek]) == 0 {
		delete(r.byEntity, ek)
	}
}
