// Package store owns canonical per-entity state: the current snapshot, a
// monotonic version counter, and a bounded log of structural patches.
//
// Two backends implement the same Adapter contract:
//   - Memory: sharded in-process maps, per-key mutual exclusion
//   - SQLite: durable single-file store with compare-and-swap writes
//
// # Invariants
//
// Version monotonicity:
//   - version starts at 1 on first observation
//   - increments by exactly 1 per accepted (changed) write
//   - unchanged writes are suppressed: same version, no log entry
//
// Patch-log contiguity:
//   - entries are retained in strictly increasing version order
//   - gaps only ever appear at the old end, from age/count trimming
//   - GetPatchesSince returns ErrLogGap rather than a partial chain,
//     so callers can never replay across an evicted entry
//
// Write atomicity:
//   - snapshot, version, and log entry commit together or not at all
//
// # Database Configuration (SQLite backend)
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: patch log rows follow their entity row
//
// Snapshot equality and content hashing use RFC 8785 canonical JSON from
// internal/patch, so both backends agree on what counts as "unchanged".
package store
