package optimistic

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
)

// MutationType selects how a transaction touches an entity.
type MutationType string

const (
	MutationCreate MutationType = "create"
	MutationUpdate MutationType = "update"
	MutationDelete MutationType = "delete"
)

// ErrNoTarget is returned when an operation names neither an id, an id
// list, nor a filter.
var ErrNoTarget = errors.New("optimistic: operation has no target")

// Operation is one mutation inside a transaction. Exactly one of EntityID,
// EntityIDs, or Filter selects the targets; Filter matches cache-resident
// entities only.
type Operation struct {
	Entity    string
	EntityID  string
	EntityIDs []string
	Filter    map[string]any
	Type      MutationType
	Data      patch.Snapshot
}

// IDGenerator produces transaction ids.
type IDGenerator interface {
	Generate() (string, error)
}

// UUIDGenerator issues time-ordered UUIDv7 ids.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate transaction id: %w", err)
	}
	return id.String(), nil
}

type appliedOp struct {
	key store.Key
	typ MutationType
}

type transaction struct {
	id  string
	ops []appliedOp
	// originals holds each touched key's pre-transaction snapshot, captured
	// on first touch. nil means the entity did not exist locally.
	originals map[store.Key]patch.Snapshot
	timer     *time.Timer
}

// Manager tracks pending transactions against a local Cache. All mutation
// and resolution paths run under one mutex, so a transaction is applied,
// confirmed, or rolled back atomically with respect to the cache.
type Manager struct {
	mu        sync.Mutex
	cache     *Cache
	pending   map[string]*transaction
	disabled  bool
	timeout   time.Duration
	ids       IDGenerator
	onTimeout func(txID string)
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDisabled makes every Apply a no-op returning an empty id.
func WithDisabled() Option {
	return func(m *Manager) { m.disabled = true }
}

// WithTimeout rolls back transactions not resolved within d. Zero disables
// the timer.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithIDs overrides the transaction id generator.
func WithIDs(gen IDGenerator) Option {
	return func(m *Manager) { m.ids = gen }
}

// WithOnTimeout registers a callback invoked after a timeout rollback.
func WithOnTimeout(f func(txID string)) Option {
	return func(m *Manager) { m.onTimeout = f }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager over the given cache.
func New(cache *Cache, opts ...Option) *Manager {
	m := &Manager{
		cache:   cache,
		pending: make(map[string]*transaction),
		ids:     UUIDGenerator{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cache returns the manager's cache.
func (m *Manager) Cache() *Cache { return m.cache }

// Pending returns the number of unresolved transactions.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// IsPending reports whether the transaction is still unresolved.
func (m *Manager) IsPending(txID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[txID]
	return ok
}

// Apply runs a single-entity transaction.
func (m *Manager) Apply(entity, id string, typ MutationType, data patch.Snapshot) (string, error) {
	return m.ApplyBatch([]Operation{{Entity: entity, EntityID: id, Type: typ, Data: data}})
}

// ApplyBatch applies the operations in order as one transaction and returns
// its id. Each touched key's original snapshot is captured before its first
// mutation so RollbackBatch restores the pre-transaction state.
func (m *Manager) ApplyBatch(ops []Operation) (string, error) {
	if m.disabled {
		return "", nil
	}
	txID, err := m.ids.Generate()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &transaction{id: txID, originals: make(map[store.Key]patch.Snapshot)}
	for _, op := range ops {
		ids, err := m.targets(op)
		if err != nil {
			m.restoreLocked(tx)
			return "", err
		}
		for _, id := range ids {
			m.applyOneLocked(tx, op.Entity, id, op.Type, op.Data)
		}
	}
	m.pending[txID] = tx
	if m.timeout > 0 {
		tx.timer = time.AfterFunc(m.timeout, func() { m.timeoutRollback(txID) })
	}
	return txID, nil
}

func (m *Manager) targets(op Operation) ([]string, error) {
	switch {
	case op.EntityID != "":
		return []string{op.EntityID}, nil
	case len(op.EntityIDs) > 0:
		return op.EntityIDs, nil
	case op.Filter != nil:
		return m.cache.Match(op.Entity, op.Filter), nil
	default:
		return nil, ErrNoTarget
	}
}

func (m *Manager) applyOneLocked(tx *transaction, entity, id string, typ MutationType, data patch.Snapshot) {
	key := store.Key{Entity: entity, ID: id}
	if _, captured := tx.originals[key]; !captured {
		snap, ok := m.cache.Get(entity, id)
		if !ok {
			snap = nil
		}
		tx.originals[key] = snap
	}
	tx.ops = append(tx.ops, appliedOp{key: key, typ: typ})

	switch typ {
	case MutationCreate:
		m.cache.Set(entity, id, data)
	case MutationUpdate:
		existing, _ := m.cache.Get(entity, id)
		merged := existing.Clone()
		if merged == nil {
			merged = patch.Snapshot{}
		}
		for field, value := range data {
			merged[field] = value
		}
		m.cache.Set(entity, id, merged)
	case MutationDelete:
		m.cache.Tombstone(entity, id)
	}
}

// Confirm resolves a single-entity transaction. serverData, when non-nil,
// replaces the cached snapshot for every non-delete target; deletes are
// finalized by dropping their slots. Unknown ids are a no-op.
func (m *Manager) Confirm(txID string, serverData patch.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.takeLocked(txID)
	if !ok {
		return
	}
	for _, op := range tx.ops {
		m.confirmOpLocked(op, serverData)
	}
}

// ConfirmBatch resolves a multi-entity transaction. server maps
// "entity:id" keys to authoritative snapshots; keys without an entry keep
// their optimistic value.
func (m *Manager) ConfirmBatch(txID string, server map[string]patch.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.takeLocked(txID)
	if !ok {
		return
	}
	for _, op := range tx.ops {
		data, has := server[op.key.String()]
		if !has {
			data = nil
		}
		m.confirmOpLocked(op, data)
	}
}

func (m *Manager) confirmOpLocked(op appliedOp, serverData patch.Snapshot) {
	if op.typ == MutationDelete {
		m.cache.Remove(op.key.Entity, op.key.ID)
		return
	}
	if serverData != nil {
		m.cache.Set(op.key.Entity, op.key.ID, serverData)
	}
}

// ConfirmRekey resolves a create that used a client-side temporary id. The
// temp-keyed entry is removed and re-inserted under realID with serverData
// merged over the optimistic fields.
func (m *Manager) ConfirmRekey(txID, entity, tempID, realID string, serverData patch.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.takeLocked(txID)
	if !ok {
		return
	}
	tempKey := store.Key{Entity: entity, ID: tempID}
	for _, op := range tx.ops {
		if op.key == tempKey {
			carried, _ := m.cache.Get(entity, tempID)
			merged := carried.Clone()
			if merged == nil {
				merged = patch.Snapshot{}
			}
			for field, value := range serverData {
				merged[field] = value
			}
			m.cache.Remove(entity, tempID)
			m.cache.Set(entity, realID, merged)
			continue
		}
		m.confirmOpLocked(op, nil)
	}
}

// Rollback restores every touched key to its pre-transaction state, in
// reverse application order. Unknown ids are a no-op.
func (m *Manager) Rollback(txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.takeLocked(txID)
	if !ok {
		return
	}
	m.restoreLocked(tx)
}

// RollbackBatch is Rollback; both resolve whole transactions.
func (m *Manager) RollbackBatch(txID string) { m.Rollback(txID) }

func (m *Manager) restoreLocked(tx *transaction) {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		original := tx.originals[op.key]
		if original == nil {
			m.cache.Remove(op.key.Entity, op.key.ID)
		} else {
			m.cache.Set(op.key.Entity, op.key.ID, original)
		}
	}
}

// takeLocked removes and returns the pending transaction, stopping its
// timer. ok is false if the id is unknown or already resolved.
func (m *Manager) takeLocked(txID string) (*transaction, bool) {
	tx, ok := m.pending[txID]
	if !ok {
		return nil, false
	}
	delete(m.pending, txID)
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return tx, true
}

func (m *Manager) timeoutRollback(txID string) {
	m.mu.Lock()
	tx, ok := m.takeLocked(txID)
	if ok {
		m.restoreLocked(tx)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Info("transaction timed out", "tx", txID)
	if m.onTimeout != nil {
		m.onTimeout(txID)
	}
}
