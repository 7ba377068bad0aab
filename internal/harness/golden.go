package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/statesync/internal/patch"
)

// TraceSnapshot is the golden-file form of a scenario run. Serialization
// goes through the canonical JSON encoder so comparison is byte-stable.
type TraceSnapshot struct {
	ScenarioName string
	Trace        []TraceEvent
}

// toCanonicalMap renders the snapshot as plain maps for the canonical
// encoder, omitting unset fields so each event carries only its own shape.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{"type": ev.Type}
		if ev.Entity != "" {
			m["entity"] = ev.Entity
			m["id"] = ev.EntityID
		}
		if ev.Version != 0 {
			m["version"] = int64(ev.Version)
		}
		if ev.Type == "emit" {
			m["changed"] = ev.Changed
		}
		if ev.Client != "" {
			m["client"] = ev.Client
		}
		if ev.Kind != "" {
			m["kind"] = ev.Kind
		}
		if ev.Subscription != "" {
			m["subscription"] = ev.Subscription
		}
		if ev.Status != "" {
			m["status"] = ev.Status
		}
		if ev.Data != nil {
			m["data"] = map[string]any(ev.Data)
		}
		if ev.Patch != nil {
			m["patch"] = opsToAny(ev.Patch)
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         trace,
	}
}

func opsToAny(ops []patch.Op) []any {
	out := make([]any, len(ops))
	for i, op := range ops {
		m := map[string]any{
			"op":   string(op.Kind),
			"path": op.Path,
		}
		if op.Value != nil {
			m["value"] = op.Value
		}
		out[i] = m
	}
	return out
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{name}.golden. Regenerate with:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-run result's trace against the named
// golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{ScenarioName: scenarioName, Trace: result.Trace}
	traceJSON, err := patch.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
