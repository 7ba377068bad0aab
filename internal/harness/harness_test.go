package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBasicSync(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/basic_sync.yaml")
	require.NoError(t, err)

	result, err := Run(sc)
	require.NoError(t, err)
	require.Len(t, result.Trace, 5)

	assert.Equal(t, "emit", result.Trace[0].Type)
	assert.True(t, result.Trace[0].Changed)
	assert.Equal(t, uint64(1), result.Trace[0].Version)

	assert.Equal(t, "deliver", result.Trace[1].Type)
	assert.Equal(t, "data", result.Trace[1].Kind)
	assert.Equal(t, "Ada", result.Trace[1].Data["name"])

	assert.Equal(t, "deliver", result.Trace[3].Type)
	assert.Equal(t, "patch", result.Trace[3].Kind)

	assert.Equal(t, "resync", result.Trace[4].Type)
	assert.Equal(t, "patched", result.Trace[4].Status)

	state, err := result.FinalState("user", "1")
	require.NoError(t, err)
	assert.Equal(t, "Grace", state["name"])

	version, err := result.FinalVersion("user", "1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), version)
}

func TestRunSuppressedWriteLeavesNoDeliveries(t *testing.T) {
	sc := &Scenario{
		Name: "suppressed",
		Steps: []Step{
			{Subscribe: &SubscribeStep{Client: "c1", Subscription: "s1", Entity: "user", ID: "1"}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada"}}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada"}}},
		},
	}
	result, err := Run(sc)
	require.NoError(t, err)
	require.Len(t, result.Trace, 3)

	assert.False(t, result.Trace[2].Changed, "identical write is suppressed")
	assert.Equal(t, uint64(1), result.Trace[2].Version)
}

func TestRunDisconnectStopsDeliveries(t *testing.T) {
	sc := &Scenario{
		Name: "disconnect",
		Steps: []Step{
			{Subscribe: &SubscribeStep{Client: "c1", Subscription: "s1", Entity: "user", ID: "1"}},
			{Disconnect: &DisconnectStep{Client: "c1"}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada"}}},
		},
	}
	result, err := Run(sc)
	require.NoError(t, err)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "emit", result.Trace[0].Type)
}

func TestRunDeliveriesSortedByClient(t *testing.T) {
	sc := &Scenario{
		Name: "ordering",
		Steps: []Step{
			{Subscribe: &SubscribeStep{Client: "zeta", Subscription: "s1", Entity: "user", ID: "1"}},
			{Subscribe: &SubscribeStep{Client: "alpha", Subscription: "s1", Entity: "user", ID: "1"}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada"}}},
		},
	}
	result, err := Run(sc)
	require.NoError(t, err)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, "alpha", result.Trace[1].Client)
	assert.Equal(t, "zeta", result.Trace[2].Client)
}

func TestRunSameClientTwoSubscriptionsDeterministic(t *testing.T) {
	// One client, two subscriptions to the same entity with disjoint field
	// sets: every broadcast yields two deliveries sharing (client, kind).
	// The trace order must not depend on fan-out goroutine scheduling.
	sc := &Scenario{
		Name: "two-subs",
		Steps: []Step{
			{Subscribe: &SubscribeStep{Client: "c1", Subscription: "s1", Entity: "user", ID: "1", Fields: []string{"name"}}},
			{Subscribe: &SubscribeStep{Client: "c1", Subscription: "s2", Entity: "user", ID: "1", Fields: []string{"role"}}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada", "role": "admin"}}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Grace", "role": "user"}}},
		},
	}

	for i := 0; i < 25; i++ {
		result, err := Run(sc)
		require.NoError(t, err)
		require.Len(t, result.Trace, 6)

		// Data deliveries sort by canonical payload: name before role.
		assert.Equal(t, map[string]any{"name": "Ada"}, map[string]any(result.Trace[1].Data))
		assert.Equal(t, map[string]any{"role": "admin"}, map[string]any(result.Trace[2].Data))

		// Patch deliveries likewise: /name before /role.
		require.Len(t, result.Trace[4].Patch, 1)
		assert.Equal(t, "/name", result.Trace[4].Patch[0].Path)
		require.Len(t, result.Trace[5].Patch, 1)
		assert.Equal(t, "/role", result.Trace[5].Patch[0].Path)
	}
}

func TestRunFieldFilteredSubscription(t *testing.T) {
	sc := &Scenario{
		Name: "filtered",
		Steps: []Step{
			{Subscribe: &SubscribeStep{Client: "c1", Subscription: "s1", Entity: "user", ID: "1", Fields: []string{"role"}}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Ada", "role": "admin"}}},
			{Emit: &EmitStep{Entity: "user", ID: "1", Data: map[string]any{"name": "Grace", "role": "admin"}}},
		},
	}
	result, err := Run(sc)
	require.NoError(t, err)

	// First emission delivers the filtered snapshot; the name-only change
	// produces no delivery for a role-only subscription.
	require.Len(t, result.Trace, 3)
	assert.Equal(t, "deliver", result.Trace[1].Type)
	assert.Equal(t, map[string]any{"role": "admin"}, map[string]any(result.Trace[1].Data))
	assert.Equal(t, "emit", result.Trace[2].Type)
}
