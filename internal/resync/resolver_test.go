package resync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/store"
)

func seededStore(t *testing.T) store.Adapter {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory(store.DefaultConfig())

	// User:1 at version 3 with a fully retained log.
	for _, name := range []string{"A", "B", "C"} {
		_, err := m.Emit(ctx, "User", "1", patch.Snapshot{"name": name, "role": "admin"})
		require.NoError(t, err)
	}
	return m
}

func TestResolve_Current(t *testing.T) {
	r := New(seededStore(t))

	results := r.Resolve(context.Background(), []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 3},
	})

	require.Len(t, results, 1)
	assert.Equal(t, StatusCurrent, results[0].Status)
	assert.Equal(t, uint64(3), results[0].Version)
	assert.Nil(t, results[0].Patches)
	assert.Nil(t, results[0].Data)
}

func TestResolve_Patched(t *testing.T) {
	r := New(seededStore(t))

	results := r.Resolve(context.Background(), []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 1},
	})

	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, StatusPatched, res.Status)
	assert.Equal(t, uint64(3), res.Version)
	require.Len(t, res.Patches, 2)

	// Replaying the chain over the client's version-1 snapshot reproduces
	// the server's current state.
	snap := patch.Snapshot{"name": "A", "role": "admin"}
	for _, ops := range res.Patches {
		snap = patch.Apply(snap, ops)
	}
	assert.True(t, snap.Equal(patch.Snapshot{"name": "C", "role": "admin"}))
}

func TestResolve_SnapshotOnLogGap(t *testing.T) {
	ctx := context.Background()
	cfg := store.DefaultConfig()
	cfg.MaxPatchesPerEntity = 1
	m := store.NewMemory(cfg)
	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := m.Emit(ctx, "User", "1", patch.Snapshot{"name": name})
		require.NoError(t, err)
	}

	r := New(m)
	results := r.Resolve(ctx, []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 1},
	})

	require.Len(t, results, 1)
	assert.Equal(t, StatusSnapshot, results[0].Status)
	assert.Equal(t, uint64(4), results[0].Version)
	assert.True(t, results[0].Data.Equal(patch.Snapshot{"name": "D"}))
}

func TestResolve_Deleted(t *testing.T) {
	r := New(seededStore(t))

	results := r.Resolve(context.Background(), []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "404", KnownVersion: 2},
	})

	require.Len(t, results, 1)
	assert.Equal(t, StatusDeleted, results[0].Status)
}

func TestResolve_ContentHashMismatchForcesSnapshot(t *testing.T) {
	st := seededStore(t)
	r := New(st)

	// Correct hash: stays current.
	current, err := st.GetState(context.Background(), "User", "1")
	require.NoError(t, err)
	goodHash := patch.MustHashSnapshot(current)

	results := r.Resolve(context.Background(), []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 3, ContentHash: goodHash},
		{SubscriptionID: "s2", Entity: "User", EntityID: "1", KnownVersion: 3, ContentHash: "corrupted"},
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusCurrent, results[0].Status)
	assert.Equal(t, StatusSnapshot, results[1].Status)
	assert.True(t, results[1].Data.Equal(current))
}

func TestResolve_FieldFiltering(t *testing.T) {
	r := New(seededStore(t))

	results := r.Resolve(context.Background(), []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 1, Fields: []string{"role"}},
		{SubscriptionID: "s2", Entity: "User", EntityID: "1", KnownVersion: 0, Fields: []string{"role"}},
	})

	require.Len(t, results, 2)

	// Only /name ever changed, so the role-only chain is empty but the
	// client's version still advances.
	assert.Equal(t, StatusPatched, results[0].Status)
	assert.Empty(t, results[0].Patches)
	assert.Equal(t, uint64(3), results[0].Version)

	// Version 0 predates the log (version 1 has no entry): snapshot, with
	// only the requested field.
	assert.Equal(t, StatusSnapshot, results[1].Status)
	assert.True(t, results[1].Data.Equal(patch.Snapshot{"role": "admin"}))
}

// faultyStore fails reads for one entity to exercise partial failure
// isolation.
type faultyStore struct {
	store.Adapter
	failID string
}

func (f *faultyStore) GetVersion(ctx context.Context, entity, id string) (uint64, error) {
	if id == f.failID {
		return 0, errors.New("backend unavailable")
	}
	return f.Adapter.GetVersion(ctx, entity, id)
}

func TestResolve_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory(store.DefaultConfig())
	for _, id := range []string{"1", "2"} {
		_, err := m.Emit(ctx, "User", id, patch.Snapshot{"name": "A"})
		require.NoError(t, err)
	}

	r := New(&faultyStore{Adapter: m, failID: "1"})
	results := r.Resolve(ctx, []Request{
		{SubscriptionID: "s1", Entity: "User", EntityID: "1", KnownVersion: 1},
		{SubscriptionID: "s2", Entity: "User", EntityID: "2", KnownVersion: 1},
	})

	require.Len(t, results, 2)
	assert.Equal(t, StatusError, results[0].Status)
	assert.NotEmpty(t, results[0].Err)
	assert.Equal(t, StatusCurrent, results[1].Status)
}

func TestResolve_EmptyBatch(t *testing.T) {
	r := New(seededStore(t))
	assert.Empty(t, r.Resolve(context.Background(), nil))
}
