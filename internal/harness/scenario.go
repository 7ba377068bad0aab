package harness

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/statesync/internal/patch"
)

// Scenario defines a conformance scenario: an ordered list of steps run
// against a fresh in-memory store, producing a deterministic trace.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Steps is the ordered list of actions to execute.
	Steps []Step `yaml:"steps"`
}

// Step is one scenario action. Exactly one of the action fields is set;
// the others stay nil.
type Step struct {
	// Emit writes canonical state and broadcasts to subscribers.
	Emit *EmitStep `yaml:"emit,omitempty"`

	// Subscribe registers a client subscription.
	Subscribe *SubscribeStep `yaml:"subscribe,omitempty"`

	// Unsubscribe removes one subscription.
	Unsubscribe *UnsubscribeStep `yaml:"unsubscribe,omitempty"`

	// Disconnect drops all of a client's subscriptions.
	Disconnect *DisconnectStep `yaml:"disconnect,omitempty"`

	// Reconnect resolves a reconnect request against the store.
	Reconnect *ReconnectStep `yaml:"reconnect,omitempty"`

	// Advance moves the scenario clock forward.
	Advance *AdvanceStep `yaml:"advance,omitempty"`
}

type EmitStep struct {
	Entity string         `yaml:"entity"`
	ID     string         `yaml:"id"`
	Data   map[string]any `yaml:"data"`
}

type SubscribeStep struct {
	Client       string   `yaml:"client"`
	Subscription string   `yaml:"subscription"`
	Entity       string   `yaml:"entity"`
	ID           string   `yaml:"id"`
	Fields       []string `yaml:"fields,omitempty"`
}

type UnsubscribeStep struct {
	Client       string `yaml:"client"`
	Subscription string `yaml:"subscription"`
}

type DisconnectStep struct {
	Client string `yaml:"client"`
}

type ReconnectStep struct {
	Subscription string   `yaml:"subscription"`
	Entity       string   `yaml:"entity"`
	ID           string   `yaml:"id"`
	Version      uint64   `yaml:"version"`
	Fields       []string `yaml:"fields,omitempty"`
	ContentHash  string   `yaml:"content_hash,omitempty"`
}

type AdvanceStep struct {
	Duration time.Duration `yaml:"duration"`
}

// validate rejects steps with zero or multiple actions.
func (s Step) validate(i int) error {
	n := 0
	for _, set := range []bool{
		s.Emit != nil, s.Subscribe != nil, s.Unsubscribe != nil,
		s.Disconnect != nil, s.Reconnect != nil, s.Advance != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("step %d must set exactly one action, got %d", i, n)
	}
	return nil
}

// snapshot converts yaml data into a Snapshot, widening ints so numeric
// values compare canonically.
func (e EmitStep) snapshot() patch.Snapshot {
	snap := make(patch.Snapshot, len(e.Data))
	for k, v := range e.Data {
		snap[k] = widen(v)
	}
	return snap
}

func widen(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = widen(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = widen(e)
		}
		return out
	default:
		return v
	}
}

// LoadScenario reads and validates a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario %s has no name", path)
	}
	for i, step := range sc.Steps {
		if err := step.validate(i); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}
	return &sc, nil
}
