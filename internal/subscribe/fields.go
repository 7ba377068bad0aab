package subscribe

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/statesync/internal/patch"
)

// Wildcard requests every field of an entity.
const Wildcard = "*"

// FieldSet is a subscription's requested field filter: either the wildcard
// or an explicit set of top-level field names.
type FieldSet struct {
	all   bool
	names mapset.Set[string]
}

// AllFields returns the wildcard field set.
func AllFields() FieldSet {
	return FieldSet{all: true}
}

// NewFieldSet builds a field set from names. A wildcard anywhere in the
// list, or an empty list, means all fields.
func NewFieldSet(names ...string) FieldSet {
	if len(names) == 0 {
		return AllFields()
	}
	set := mapset.NewSet[string]()
	for _, n := range names {
		if n == Wildcard {
			return AllFields()
		}
		set.Add(n)
	}
	return FieldSet{names: set}
}

// All reports whether the set is the wildcard.
func (f FieldSet) All() bool {
	return f.all
}

// Contains reports whether the field passes the filter.
func (f FieldSet) Contains(field string) bool {
	return f.all || (f.names != nil && f.names.Contains(field))
}

// Names returns the explicit field names in sorted order, or ["*"] for the
// wildcard. Used for the wire representation.
func (f FieldSet) Names() []string {
	if f.all {
		return []string{Wildcard}
	}
	if f.names == nil {
		return nil
	}
	names := f.names.ToSlice()
	slices.Sort(names)
	return names
}

// FilterOps drops ops addressing fields outside the set. Returns nil when
// nothing passes, which tells the dispatcher to skip that subscriber.
func (f FieldSet) FilterOps(ops []patch.Op) []patch.Op {
	if f.all {
		return ops
	}
	var filtered []patch.Op
	for _, op := range ops {
		if f.Contains(op.Field()) {
			filtered = append(filtered, op)
		}
	}
	return filtered
}

// FilterSnapshot keeps only the fields in the set. The wildcard returns the
// snapshot unchanged (not a copy; callers must not mutate).
func (f FieldSet) FilterSnapshot(s patch.Snapshot) patch.Snapshot {
	if f.all {
		return s
	}
	filtered := make(patch.Snapshot)
	for k, v := range s {
		if f.Contains(k) {
			filtered[k] = v
		}
	}
	return filtered
}
