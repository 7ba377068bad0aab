// Package harness runs conformance scenarios against the sync engine and
// renders their traces as canonical JSON for golden comparison.
package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/resync"
	"github.com/roach88/statesync/internal/store"
	"github.com/roach88/statesync/internal/subscribe"
	"github.com/roach88/statesync/internal/testutil"
)

// scenarioEpoch anchors the manual clock so traces never depend on the
// host's wall time.
var scenarioEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// TraceEvent is one observable effect of a scenario step.
type TraceEvent struct {
	// Type is emit, deliver, or resync.
	Type string

	Entity   string
	EntityID string
	Version  uint64

	// Emit only.
	Changed bool

	// Deliver only.
	Client string
	Kind   string

	// Resync only.
	Subscription string
	Status       string

	Data  patch.Snapshot
	Patch []patch.Op
}

// Result holds a finished scenario's trace and final store state.
type Result struct {
	Trace []TraceEvent
	store *store.Memory
}

// FinalState returns the entity's snapshot after the last step.
func (r *Result) FinalState(entity, id string) (patch.Snapshot, error) {
	return r.store.GetState(context.Background(), entity, id)
}

// FinalVersion returns the entity's version after the last step.
func (r *Result) FinalVersion(entity, id string) (uint64, error) {
	return r.store.GetVersion(context.Background(), entity, id)
}

// recorder collects the deliveries of one broadcast. The dispatcher fans
// out concurrently, so each step's deliveries are sorted before being
// appended to the trace.
type recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) send(clientID string, msg subscribe.ServerMessage) error {
	ev := TraceEvent{Type: "deliver", Client: clientID, Kind: msg.MsgKind()}
	switch m := msg.(type) {
	case subscribe.DataMsg:
		ev.Entity, ev.EntityID, ev.Version, ev.Data = m.Entity, m.EntityID, m.Version, m.Data
	case subscribe.PatchMsg:
		ev.Entity, ev.EntityID, ev.Version, ev.Patch = m.Entity, m.EntityID, m.Version, m.Patch
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// drain returns this broadcast's deliveries in deterministic order. A client
// may hold several subscriptions to the same entity with different field
// sets, so (client, kind) alone can collide; the canonical payload bytes
// break the tie.
func (r *recorder) drain() []TraceEvent {
	r.mu.Lock()
	events := r.events
	r.events = nil
	r.mu.Unlock()

	slices.SortFunc(events, func(a, b TraceEvent) int {
		if c := strings.Compare(a.Client, b.Client); c != 0 {
			return c
		}
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.payloadKey(), b.payloadKey())
	})
	return events
}

// payloadKey renders the event's data or patch as canonical JSON for use as
// a sort key.
func (ev TraceEvent) payloadKey() string {
	var v any
	switch {
	case ev.Patch != nil:
		v = opsToAny(ev.Patch)
	case ev.Data != nil:
		v = map[string]any(ev.Data)
	default:
		return ""
	}
	b, err := patch.MarshalCanonical(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// Run executes a scenario against a fresh in-memory store and returns the
// trace. The clock is manual and the store is isolated, so the same
// scenario always produces the same trace.
func Run(scenario *Scenario) (*Result, error) {
	clock := testutil.NewManualClock(scenarioEpoch)
	st := store.NewMemory(store.DefaultConfig(), store.WithNow(clock.Now))
	reg := subscribe.NewRegistry()
	rec := newRecorder()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	disp := subscribe.NewDispatcher(st, reg, rec.send, subscribe.WithLogger(quiet))
	resolver := resync.New(st, resync.WithLogger(quiet))

	ctx := context.Background()
	result := &Result{store: st}

	for i, step := range scenario.Steps {
		if err := step.validate(i); err != nil {
			return nil, err
		}
		switch {
		case step.Emit != nil:
			res, err := disp.Broadcast(ctx, step.Emit.Entity, step.Emit.ID, step.Emit.snapshot())
			if err != nil {
				return nil, fmt.Errorf("step %d emit: %w", i, err)
			}
			result.Trace = append(result.Trace, TraceEvent{
				Type:     "emit",
				Entity:   step.Emit.Entity,
				EntityID: step.Emit.ID,
				Version:  res.Version,
				Changed:  res.Changed,
			})
			result.Trace = append(result.Trace, rec.drain()...)

		case step.Subscribe != nil:
			s := step.Subscribe
			reg.Subscribe(s.Client, s.Subscription, s.Entity, s.ID, subscribe.NewFieldSet(s.Fields...))

		case step.Unsubscribe != nil:
			reg.Unsubscribe(step.Unsubscribe.Client, step.Unsubscribe.Subscription)

		case step.Disconnect != nil:
			reg.DropClient(step.Disconnect.Client)

		case step.Reconnect != nil:
			rc := step.Reconnect
			results := resolver.Resolve(ctx, []resync.Request{{
				SubscriptionID: rc.Subscription,
				Entity:         rc.Entity,
				EntityID:       rc.ID,
				KnownVersion:   rc.Version,
				Fields:         rc.Fields,
				ContentHash:    rc.ContentHash,
			}})
			res := results[0]
			ev := TraceEvent{
				Type:         "resync",
				Subscription: res.SubscriptionID,
				Entity:       res.Entity,
				EntityID:     res.EntityID,
				Status:       string(res.Status),
				Version:      res.Version,
				Data:         res.Data,
			}
			for _, ops := range res.Patches {
				ev.Patch = append(ev.Patch, ops...)
			}
			result.Trace = append(result.Trace, ev)

		case step.Advance != nil:
			clock.Advance(step.Advance.Duration)
		}
	}
	return result, nil
}
