package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/roach88/statesync/internal/patch"
)

// adapters returns one factory per backend so every contract test runs
// against both implementations.
func adapters(t *testing.T, cfg Config) map[string]Adapter {
	t.Helper()

	sq, err := Open(filepath.Join(t.TempDir(), "state.db"), cfg)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Adapter{
		"memory": NewMemory(cfg),
		"sqlite": sq,
	}
}

func TestEmit_FirstObservation(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "A"})
			if err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if res.Version != 1 {
				t.Errorf("version = %d, want 1", res.Version)
			}
			if res.Patch != nil {
				t.Errorf("patch = %v, want nil on first observation", res.Patch)
			}
			if !res.Changed {
				t.Error("Changed = false, want true")
			}

			latest, err := a.GetLatestPatch(ctx, "User", "1")
			if err != nil {
				t.Fatalf("GetLatestPatch() failed: %v", err)
			}
			if latest != nil {
				t.Errorf("log entry written on first observation: %v", latest)
			}
		})
	}
}

func TestEmit_SuppressesUnchangedWrites(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "A", "n": int64(1)}); err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			// Same fields, different key order.
			res, err := a.Emit(ctx, "User", "1", patch.Snapshot{"n": int64(1), "name": "A"})
			if err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if res.Changed {
				t.Error("Changed = true for identical data")
			}
			if res.Version != 1 {
				t.Errorf("version = %d, want 1 (suppressed)", res.Version)
			}
			if res.Patch != nil {
				t.Errorf("patch = %v, want nil (suppressed)", res.Patch)
			}
		})
	}
}

func TestEmit_VersionMonotonicity(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			var last uint64
			for i := 0; i < 5; i++ {
				res, err := a.Emit(ctx, "User", "1", patch.Snapshot{"i": int64(i)})
				if err != nil {
					t.Fatalf("Emit(%d) failed: %v", i, err)
				}
				if res.Version != last+1 {
					t.Fatalf("version = %d after %d, want %d", res.Version, last, last+1)
				}
				last = res.Version
			}
		})
	}
}

func TestEmit_PatchContent(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "A"}); err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			res, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "B"})
			if err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if res.Version != 2 {
				t.Fatalf("version = %d, want 2", res.Version)
			}
			if len(res.Patch) != 1 || res.Patch[0].Kind != patch.OpReplace || res.Patch[0].Path != "/name" {
				t.Fatalf("patch = %+v, want single replace of /name", res.Patch)
			}
		})
	}
}

func TestGetState_UnknownReturnsNil(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			snap, err := a.GetState(context.Background(), "User", "missing")
			if err != nil {
				t.Fatalf("GetState() failed: %v", err)
			}
			if snap != nil {
				t.Errorf("snapshot = %v, want nil", snap)
			}

			v, err := a.GetVersion(context.Background(), "User", "missing")
			if err != nil {
				t.Fatalf("GetVersion() failed: %v", err)
			}
			if v != 0 {
				t.Errorf("version = %d, want 0", v)
			}
		})
	}
}

func TestGetPatchesSince_Contract(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 4; i++ {
				if _, err := a.Emit(ctx, "User", "1", patch.Snapshot{"i": int64(i)}); err != nil {
					t.Fatalf("Emit(%d) failed: %v", i, err)
				}
			}
			// current version is 4 (versions 2..4 in the log)

			chain, err := a.GetPatchesSince(ctx, "User", "1", 1)
			if err != nil {
				t.Fatalf("GetPatchesSince(1) failed: %v", err)
			}
			if len(chain) != 3 {
				t.Fatalf("chain length = %d, want 3", len(chain))
			}

			// Applying the chain to the version-1 snapshot reproduces current.
			snap := patch.Snapshot{"i": int64(0)}
			for _, ops := range chain {
				snap = patch.Apply(snap, ops)
			}
			current, err := a.GetState(ctx, "User", "1")
			if err != nil {
				t.Fatalf("GetState() failed: %v", err)
			}
			if !snap.Equal(current) {
				t.Errorf("replayed = %v, current = %v", snap, current)
			}

			// Already current: empty, non-nil.
			chain, err = a.GetPatchesSince(ctx, "User", "1", 4)
			if err != nil {
				t.Fatalf("GetPatchesSince(current) failed: %v", err)
			}
			if chain == nil || len(chain) != 0 {
				t.Errorf("chain = %v, want empty non-nil", chain)
			}

			// Unknown entity.
			if _, err := a.GetPatchesSince(ctx, "User", "missing", 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}

			// Version 0 (client never saw the entity): version 1 has no log
			// entry, so the chain cannot start at 1.
			if _, err := a.GetPatchesSince(ctx, "User", "1", 0); !errors.Is(err, ErrLogGap) {
				t.Errorf("err = %v, want ErrLogGap for sinceVersion=0", err)
			}
		})
	}
}

func TestGetPatchesSince_GapAfterCountEviction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatchesPerEntity = 2

	for name, a := range adapters(t, cfg) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 6; i++ {
				if _, err := a.Emit(ctx, "User", "1", patch.Snapshot{"i": int64(i)}); err != nil {
					t.Fatalf("Emit(%d) failed: %v", i, err)
				}
			}
			// current = 6, retained log = versions 5..6

			if _, err := a.GetPatchesSince(ctx, "User", "1", 2); !errors.Is(err, ErrLogGap) {
				t.Errorf("err = %v, want ErrLogGap for evicted range", err)
			}

			chain, err := a.GetPatchesSince(ctx, "User", "1", 4)
			if err != nil {
				t.Fatalf("GetPatchesSince(4) failed: %v", err)
			}
			if len(chain) != 2 {
				t.Errorf("chain length = %d, want 2", len(chain))
			}
		})
	}
}

func TestDeleteAndClear(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "A"}); err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if _, err := a.Emit(ctx, "Team", "9", patch.Snapshot{"name": "T"}); err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}

			if err := a.Delete(ctx, "User", "1"); err != nil {
				t.Fatalf("Delete() failed: %v", err)
			}
			ok, err := a.Has(ctx, "User", "1")
			if err != nil || ok {
				t.Errorf("Has() = %v, %v after delete, want false, nil", ok, err)
			}

			// Deleting again is a no-op.
			if err := a.Delete(ctx, "User", "1"); err != nil {
				t.Errorf("second Delete() failed: %v", err)
			}

			if err := a.Clear(ctx); err != nil {
				t.Fatalf("Clear() failed: %v", err)
			}
			ok, err = a.Has(ctx, "Team", "9")
			if err != nil || ok {
				t.Errorf("Has() = %v, %v after clear, want false, nil", ok, err)
			}
		})
	}
}

// TestEmit_SpecScenario walks the documented User:1 example end to end.
func TestEmit_SpecScenario(t *testing.T) {
	for name, a := range adapters(t, DefaultConfig()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			res, err := a.Emit(ctx, "User", "1", patch.Snapshot{"name": "A"})
			if err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if res.Version != 1 || res.Patch != nil {
				t.Fatalf("first emit = %+v, want version 1, nil patch", res)
			}

			res, err = a.Emit(ctx, "User", "1", patch.Snapshot{"name": "B"})
			if err != nil {
				t.Fatalf("Emit() failed: %v", err)
			}
			if res.Version != 2 {
				t.Fatalf("version = %d, want 2", res.Version)
			}

			chain, err := a.GetPatchesSince(ctx, "User", "1", 1)
			if err != nil {
				t.Fatalf("GetPatchesSince(1) failed: %v", err)
			}
			got := patch.Apply(patch.Snapshot{"name": "A"}, chain[0])
			if !got.Equal(patch.Snapshot{"name": "B"}) {
				t.Errorf("replayed snapshot = %v, want {name: B}", got)
			}
		})
	}
}
