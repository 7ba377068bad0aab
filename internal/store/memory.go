package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/roach88/statesync/internal/patch"
)

// memoryShardCount spreads keys over independent locks so contention on one
// entity never blocks writes to another.
const memoryShardCount = 32

// record is the canonical state for one key. Owned by exactly one shard;
// all access happens under that shard's mutex.
type record struct {
	data      patch.Snapshot
	version   uint64
	updatedAt time.Time
	log       []LogEntry
}

type memoryShard struct {
	mu      sync.Mutex
	records map[Key]*record
}

// Memory is the in-process Adapter implementation. Per-key writes are
// serialized by shard mutexes; cross-shard operations are independent.
type Memory struct {
	cfg    Config
	now    func() time.Time
	shards [memoryShardCount]*memoryShard
}

var _ Adapter = (*Memory)(nil)

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithNow replaces the wall clock. Tests use this to drive age trimming
// deterministically.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an in-memory store with the given log bounds.
func NewMemory(cfg Config, opts ...MemoryOption) *Memory {
	m := &Memory{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{records: make(map[Key]*record)}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) shard(key Key) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key.Entity))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	return m.shards[h.Sum32()%memoryShardCount]
}

// Emit implements Adapter.
func (m *Memory) Emit(_ context.Context, entity, id string, newData patch.Snapshot) (EmitResult, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)
	now := m.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		sh.records[key] = &record{
			data:      newData.Clone(),
			version:   1,
			updatedAt: now,
		}
		return EmitResult{Version: 1, Changed: true}, nil
	}

	if rec.data.Equal(newData) {
		return EmitResult{Version: rec.version, Changed: false}, nil
	}

	ops := patch.Diff(rec.data, newData)
	rec.data = newData.Clone()
	rec.version++
	rec.updatedAt = now
	rec.log = append(rec.log, LogEntry{Version: rec.version, Patch: ops, Timestamp: now})
	rec.log = trimEntries(rec.log, m.cfg, now)

	return EmitResult{Version: rec.version, Patch: ops, Changed: true}, nil
}

// GetState implements Adapter.
func (m *Memory) GetState(_ context.Context, entity, id string) (patch.Snapshot, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return nil, nil
	}
	return rec.data.Clone(), nil
}

// GetVersion implements Adapter.
func (m *Memory) GetVersion(_ context.Context, entity, id string) (uint64, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return 0, nil
	}
	return rec.version, nil
}

// GetLatestPatch implements Adapter.
func (m *Memory) GetLatestPatch(_ context.Context, entity, id string) ([]patch.Op, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok || len(rec.log) == 0 {
		return nil, nil
	}
	return rec.log[len(rec.log)-1].Patch, nil
}

// GetPatchesSince implements Adapter.
func (m *Memory) GetPatchesSince(_ context.Context, entity, id string, sinceVersion uint64) ([][]patch.Op, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	// Trim lazily on read as well, so age-expired entries cannot serve a
	// reconnect after a quiet period with no writes.
	rec.log = trimEntries(rec.log, m.cfg, m.now())

	return chainFromEntries(rec.log, sinceVersion, rec.version)
}

// Has implements Adapter.
func (m *Memory) Has(_ context.Context, entity, id string) (bool, error) {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, ok := sh.records[key]
	return ok, nil
}

// Delete implements Adapter.
func (m *Memory) Delete(_ context.Context, entity, id string) error {
	key := Key{Entity: entity, ID: id}
	sh := m.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.records, key)
	return nil
}

// Clear implements Adapter.
func (m *Memory) Clear(_ context.Context) error {
	for _, sh := range m.shards {
		sh.mu.Lock()
		sh.records = make(map[Key]*record)
		sh.mu.Unlock()
	}
	return nil
}
