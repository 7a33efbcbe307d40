// Package ir provides the value model for state that crosses a context
// boundary.
//
// A replica is a plain tree of ir.Value nodes. The tree is treated as
// immutable: every producer (patch.Apply, the replication effects) builds new
// nodes along the changed path and shares the rest.
//
// This package imports nothing internal. Every other package that touches
// mirrored state imports ir.
//
// Key design constraints:
//   - NO float types anywhere - use Int for numbers (floats break digests)
//   - Map, Set and Time survive the wire: the tagged codec (Encode/Decode)
//     keeps them distinct from Object, Array and String
//   - MarshalCanonical is the ONLY serialization used for digests
package ir
