package optimistic

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/statesync/internal/patch"
)

// seqIDs hands out tx-1, tx-2, ... for deterministic assertions.
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) Generate() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("tx-%d", s.n), nil
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	return New(NewCache(), append([]Option{WithIDs(&seqIDs{})}, opts...)...)
}

func TestApplyCreateConfirm(t *testing.T) {
	m := newManager(t)

	txID, err := m.Apply("user", "1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)
	assert.Equal(t, 1, m.Pending())

	snap, ok := m.Cache().Get("user", "1")
	require.True(t, ok)
	assert.Equal(t, "Ada", snap["name"])

	m.Confirm(txID, patch.Snapshot{"name": "Ada", "id": "1"})
	assert.Equal(t, 0, m.Pending())

	snap, _ = m.Cache().Get("user", "1")
	assert.Equal(t, "1", snap["id"])
}

func TestApplyCreateRollbackLeavesEntityAbsent(t *testing.T) {
	m := newManager(t)

	txID, err := m.Apply("user", "1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)

	m.Rollback(txID)
	_, ok := m.Cache().Get("user", "1")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Pending())
}

func TestApplyUpdateShallowMerge(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("user", "1", patch.Snapshot{"name": "Ada", "role": "admin"})

	txID, err := m.Apply("user", "1", MutationUpdate, patch.Snapshot{"name": "Grace"})
	require.NoError(t, err)

	snap, _ := m.Cache().Get("user", "1")
	assert.Equal(t, "Grace", snap["name"])
	assert.Equal(t, "admin", snap["role"], "untouched field survives merge")

	m.Rollback(txID)
	snap, _ = m.Cache().Get("user", "1")
	assert.Equal(t, "Ada", snap["name"])
}

func TestApplyDeleteTombstonesThenConfirmRemoves(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("user", "1", patch.Snapshot{"name": "Ada"})

	txID, err := m.Apply("user", "1", MutationDelete, nil)
	require.NoError(t, err)

	snap, ok := m.Cache().Get("user", "1")
	assert.True(t, ok, "delete keeps the slot while pending")
	assert.Nil(t, snap)

	m.Confirm(txID, nil)
	_, ok = m.Cache().Get("user", "1")
	assert.False(t, ok)
}

func TestApplyDeleteRollbackRestores(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("user", "1", patch.Snapshot{"name": "Ada"})

	txID, err := m.Apply("user", "1", MutationDelete, nil)
	require.NoError(t, err)

	m.Rollback(txID)
	snap, ok := m.Cache().Get("user", "1")
	require.True(t, ok)
	assert.Equal(t, "Ada", snap["name"])
}

func TestBatchRollbackRestoresPreBatchValue(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("user", "1", patch.Snapshot{"name": "Ada"})

	// Same key mutated twice in one batch.
	txID, err := m.ApplyBatch([]Operation{
		{Entity: "user", EntityID: "1", Type: MutationUpdate, Data: patch.Snapshot{"name": "Grace"}},
		{Entity: "user", EntityID: "1", Type: MutationUpdate, Data: patch.Snapshot{"name": "Kay"}},
	})
	require.NoError(t, err)

	snap, _ := m.Cache().Get("user", "1")
	assert.Equal(t, "Kay", snap["name"])

	m.RollbackBatch(txID)
	snap, _ = m.Cache().Get("user", "1")
	assert.Equal(t, "Ada", snap["name"], "rollback restores the pre-batch value, not the intermediate")
}

func TestConfirmBatchAppliesServerDataPerKey(t *testing.T) {
	m := newManager(t)

	txID, err := m.ApplyBatch([]Operation{
		{Entity: "user", EntityID: "1", Type: MutationCreate, Data: patch.Snapshot{"name": "Ada"}},
		{Entity: "user", EntityID: "2", Type: MutationCreate, Data: patch.Snapshot{"name": "Kay"}},
	})
	require.NoError(t, err)

	m.ConfirmBatch(txID, map[string]patch.Snapshot{
		"user:1": {"name": "Ada", "version": int64(1)},
	})

	snap, _ := m.Cache().Get("user", "1")
	assert.Equal(t, int64(1), snap["version"])
	snap, _ = m.Cache().Get("user", "2")
	assert.Equal(t, "Kay", snap["name"], "keys without server data keep the optimistic value")
}

func TestBulkTargets(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("task", "a", patch.Snapshot{"status": "open"})
	m.Cache().Set("task", "b", patch.Snapshot{"status": "open"})
	m.Cache().Set("task", "c", patch.Snapshot{"status": "done"})

	txID, err := m.ApplyBatch([]Operation{
		{Entity: "task", Filter: map[string]any{"status": "open"}, Type: MutationUpdate, Data: patch.Snapshot{"status": "closed"}},
	})
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		snap, _ := m.Cache().Get("task", id)
		assert.Equal(t, "closed", snap["status"])
	}
	snap, _ := m.Cache().Get("task", "c")
	assert.Equal(t, "done", snap["status"])

	m.Rollback(txID)
	for _, id := range []string{"a", "b"} {
		snap, _ := m.Cache().Get("task", id)
		assert.Equal(t, "open", snap["status"])
	}
}

func TestApplyBatchNoTarget(t *testing.T) {
	m := newManager(t)

	_, err := m.ApplyBatch([]Operation{{Entity: "task", Type: MutationUpdate, Data: patch.Snapshot{}}})
	assert.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, 0, m.Pending())
}

func TestConfirmRekey(t *testing.T) {
	m := newManager(t)

	txID, err := m.Apply("user", "temp-1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)

	m.ConfirmRekey(txID, "user", "temp-1", "42", patch.Snapshot{"id": "42", "version": int64(1)})

	_, ok := m.Cache().Get("user", "temp-1")
	assert.False(t, ok, "temp key is gone")

	snap, ok := m.Cache().Get("user", "42")
	require.True(t, ok)
	assert.Equal(t, "Ada", snap["name"], "optimistic fields carried over")
	assert.Equal(t, "42", snap["id"])
	assert.Equal(t, 0, m.Pending())
}

func TestResolutionIsIdempotent(t *testing.T) {
	m := newManager(t)
	m.Cache().Set("user", "1", patch.Snapshot{"name": "Ada"})

	txID, err := m.Apply("user", "1", MutationUpdate, patch.Snapshot{"name": "Grace"})
	require.NoError(t, err)

	m.Confirm(txID, nil)
	m.Rollback(txID) // already resolved, must not undo the confirm
	snap, _ := m.Cache().Get("user", "1")
	assert.Equal(t, "Grace", snap["name"])

	m.Confirm("never-issued", nil)
	m.Rollback("never-issued")
}

func TestDisabledManagerIsNoop(t *testing.T) {
	m := newManager(t, WithDisabled())

	txID, err := m.Apply("user", "1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)
	assert.Empty(t, txID)
	assert.Equal(t, 0, m.Cache().Len())
	assert.Equal(t, 0, m.Pending())
}

func TestTimeoutAutoRollback(t *testing.T) {
	timedOut := make(chan string, 1)
	m := newManager(t,
		WithTimeout(20*time.Millisecond),
		WithOnTimeout(func(txID string) { timedOut <- txID }),
	)

	txID, err := m.Apply("user", "1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)

	select {
	case got := <-timedOut:
		assert.Equal(t, txID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}

	_, ok := m.Cache().Get("user", "1")
	assert.False(t, ok, "timed-out create is rolled back")
	assert.Equal(t, 0, m.Pending())
}

func TestConfirmBeforeTimeoutCancelsRollback(t *testing.T) {
	m := newManager(t,
		WithTimeout(20*time.Millisecond),
		WithOnTimeout(func(string) { t.Error("timeout fired after confirm") }),
	)

	txID, err := m.Apply("user", "1", MutationCreate, patch.Snapshot{"name": "Ada"})
	require.NoError(t, err)
	m.Confirm(txID, nil)

	time.Sleep(60 * time.Millisecond)
	snap, ok := m.Cache().Get("user", "1")
	require.True(t, ok)
	assert.Equal(t, "Ada", snap["name"])
}
