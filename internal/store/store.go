package store

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/statesync/internal/patch"
)

// Key identifies one synchronized entity: (type name, identifier).
type Key struct {
	Entity string
	ID     string
}

// String renders the key in the canonical "entity:id" form used by
// subscription bookkeeping and invalidation patterns.
func (k Key) String() string {
	return k.Entity + ":" + k.ID
}

// Config bounds the per-entity patch log and the optimistic-lock retry
// budget of shared backends.
type Config struct {
	// MaxPatchAge drops log entries older than now-MaxPatchAge.
	MaxPatchAge time.Duration

	// MaxPatchesPerEntity drops the oldest entries beyond this count.
	MaxPatchesPerEntity int

	// MaxRetries bounds compare-and-swap retries on shared backends.
	MaxRetries int
}

// DefaultConfig returns the production defaults: reconnecting clients get a
// five-minute window of up to fifty patches per entity before they degrade
// to a snapshot.
func DefaultConfig() Config {
	return Config{
		MaxPatchAge:         5 * time.Minute,
		MaxPatchesPerEntity: 50,
		MaxRetries:          3,
	}
}

// withDefaults fills unset fields so a zero Config behaves sanely.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPatchAge <= 0 {
		c.MaxPatchAge = d.MaxPatchAge
	}
	if c.MaxPatchesPerEntity <= 0 {
		c.MaxPatchesPerEntity = d.MaxPatchesPerEntity
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	return c
}

// LogEntry is one retained patch: the version it produced, the ops that
// transform version-1 into version, and when the write was accepted.
type LogEntry struct {
	Version   uint64
	Patch     []patch.Op
	Timestamp time.Time
}

// EmitResult reports the outcome of one Emit call.
type EmitResult struct {
	// Version is the entity's version after the call. When Conflicted is
	// set, it is the concurrent winner's version instead.
	Version uint64 `json:"version"`

	// Patch is the ops produced by this write. It is nil on first
	// observation (callers send the full snapshot), on suppressed
	// unchanged writes, and on conflict exhaustion.
	Patch []patch.Op `json:"patch,omitempty"`

	// Changed reports whether the write was accepted (data differed).
	Changed bool `json:"changed"`

	// Conflicted reports that a shared backend exhausted its CAS retries.
	// The caller must degrade affected subscribers to snapshot delivery.
	Conflicted bool `json:"conflicted"`
}

// ErrLogGap reports that the patch log no longer covers the requested
// version range. Always recoverable: fall back to a full snapshot.
var ErrLogGap = errors.New("patch log does not cover requested version range")

// ErrNotFound reports that no canonical state exists for the key.
var ErrNotFound = errors.New("entity not found")

// Adapter is the storage contract consumed by the broadcast dispatcher and
// the reconnection resolver. Any key-value backend may implement it as long
// as it preserves version monotonicity and patch-chain contiguity.
type Adapter interface {
	// Emit writes newData as the entity's canonical state. See EmitResult
	// for the first-observation, suppression, and conflict cases. For a
	// given key, concurrent Emit calls are serialized by the backend.
	Emit(ctx context.Context, entity, id string, newData patch.Snapshot) (EmitResult, error)

	// GetState returns the current snapshot, or nil if the key is unknown.
	GetState(ctx context.Context, entity, id string) (patch.Snapshot, error)

	// GetVersion returns the current version, or 0 if the key is unknown.
	GetVersion(ctx context.Context, entity, id string) (uint64, error)

	// GetLatestPatch returns the most recent retained patch, or nil if the
	// log is empty.
	GetLatestPatch(ctx context.Context, entity, id string) ([]patch.Op, error)

	// GetPatchesSince returns the ordered patch chain from sinceVersion to
	// current. It returns an empty non-nil slice when sinceVersion is
	// already current, ErrLogGap when any entry in the chain was evicted,
	// and ErrNotFound for unknown keys.
	GetPatchesSince(ctx context.Context, entity, id string, sinceVersion uint64) ([][]patch.Op, error)

	// Has reports whether canonical state exists for the key.
	Has(ctx context.Context, entity, id string) (bool, error)

	// Delete removes the entity and its patch log. Unknown keys are a no-op.
	Delete(ctx context.Context, entity, id string) error

	// Clear removes all entities. Lifecycle/test management only.
	Clear(ctx context.Context) error
}

// chainFromEntries extracts the patch chain covering sinceVersion+1..current
// from contiguously retained entries. Shared by both backends.
func chainFromEntries(entries []LogEntry, sinceVersion, current uint64) ([][]patch.Op, error) {
	if sinceVersion >= current {
		return [][]patch.Op{}, nil
	}
	if len(entries) == 0 || entries[0].Version > sinceVersion+1 {
		return nil, ErrLogGap
	}
	start := int(sinceVersion + 1 - entries[0].Version)
	if start >= len(entries) {
		return nil, ErrLogGap
	}
	chain := make([][]patch.Op, 0, len(entries)-start)
	for _, e := range entries[start:] {
		chain = append(chain, e.Patch)
	}
	// The tail of the chain must land on the current version; anything else
	// means the log missed a write, which the invariants forbid.
	if entries[len(entries)-1].Version != current {
		return nil, ErrLogGap
	}
	return chain, nil
}

// trimEntries applies the age and count bounds to an ascending entry slice.
func trimEntries(entries []LogEntry, cfg Config, now time.Time) []LogEntry {
	cutoff := now.Add(-cfg.MaxPatchAge)
	i := 0
	for i < len(entries) && entries[i].Timestamp.Before(cutoff) {
		i++
	}
	entries = entries[i:]
	if excess := len(entries) - cfg.MaxPatchesPerEntity; excess > 0 {
		entries = entries[excess:]
	}
	return entries
}
