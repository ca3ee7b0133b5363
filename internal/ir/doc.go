// Package ir provides the canonical types shared by every layer of the
// connection entity system.
//
// This package contains type definitions and their canonical encodings only.
// All other internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Snapshots are immutable values; a transition produces a new Snapshot
//     with Version+1 rather than mutating the old one
//   - Operation arguments are flat string maps with a canonical JSON form
//     (sorted keys, NFC strings) so they hash identically across restarts
//   - Timer fire times are absolute UTC instants, never relative delays
//   - All JSON tags use snake_case
package ir
