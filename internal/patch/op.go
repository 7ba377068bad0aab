// Package patch computes and applies structural diffs between flat entity
// snapshots. The codec is pure: Diff and Apply hold no state, and
// Apply(old, Diff(old, new)) always reproduces new.
package patch

import (
	"fmt"
	"strings"
)

// Snapshot is a flat entity snapshot: top-level field name to value.
// Values are arbitrary JSON-decodable data; nesting below the top level is
// opaque to the codec (a changed nested value is a whole-field replace).
type Snapshot map[string]any

// Clone returns a shallow copy of the snapshot. Field values are shared,
// which is safe because the codec never mutates values in place.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether two snapshots are field-wise equal under canonical
// serialization.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || canonicalOrRaw(v) != canonicalOrRaw(ov) {
			return false
		}
	}
	return true
}

// OpKind identifies the patch operation type.
type OpKind string

const (
	// OpAdd introduces a field absent from the old snapshot.
	OpAdd OpKind = "add"
	// OpReplace overwrites a field present in both snapshots.
	OpReplace OpKind = "replace"
	// OpRemove deletes a field absent from the new snapshot.
	OpRemove OpKind = "remove"
)

// Op is a single structural patch operation addressing one top-level field.
type Op struct {
	Kind  OpKind `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Field returns the top-level field name the op addresses.
func (o Op) Field() string {
	return strings.TrimPrefix(o.Path, "/")
}

// FieldPath builds the path for a top-level field.
func FieldPath(field string) string {
	return "/" + field
}

// Diff computes the ops transforming old into new. Returns nil when the
// snapshots are field-wise equal.
//
// Emission order is removes, then adds, then replaces, each sorted by field
// name. The contract only requires determinism (idempotent replay and
// golden-trace stability), not this particular order.
func Diff(old, new Snapshot) []Op {
	var ops []Op

	for _, field := range old.SortedFields() {
		if _, ok := new[field]; !ok {
			ops = append(ops, Op{Kind: OpRemove, Path: FieldPath(field)})
		}
	}
	for _, field := range new.SortedFields() {
		if _, ok := old[field]; !ok {
			ops = append(ops, Op{Kind: OpAdd, Path: FieldPath(field), Value: new[field]})
		}
	}
	for _, field := range new.SortedFields() {
		oldVal, ok := old[field]
		if !ok {
			continue
		}
		if canonicalOrRaw(oldVal) != canonicalOrRaw(new[field]) {
			ops = append(ops, Op{Kind: OpReplace, Path: FieldPath(field), Value: new[field]})
		}
	}
	return ops
}

// Apply applies ops in list order to a copy of old and returns the result.
// It never fails: remove of an absent field is a no-op, and add/replace
// simply set the field. This tolerance is required for idempotent replay of
// the same patch chain after a reconnect.
func Apply(old Snapshot, ops []Op) Snapshot {
	result := old.Clone()
	if result == nil {
		result = make(Snapshot)
	}
	for _, op := range ops {
		field := op.Field()
		switch op.Kind {
		case OpAdd, OpReplace:
			result[field] = op.Value
		case OpRemove:
			delete(result, field)
		}
	}
	return result
}

// canonicalOrRaw returns the canonical serialization of v, falling back to
// a type-tagged verbatim rendering for values canonical JSON cannot express.
// The fallback keeps Diff total: exotic values still compare deterministically.
func canonicalOrRaw(v any) string {
	b, err := MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("!%T:%#v", v, v)
	}
	return string(b)
}
