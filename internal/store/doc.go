// Package store implements the reactive state core: slices of fields,
// derived fields, actions and effects composed into a Store.
//
// # Declaration
//
// Slices and their members are declared once, usually as package variables:
//
//	var (
//	    UI       = store.NewSlice("ui")
//	    Selected = store.DefineField(UI, "selected", "")
//	    Select   = store.DefineAction(UI, "select", func(tx *store.Tx, name string) error {
//	        Selected.Set(tx, name)
//	        return nil
//	    })
//	)
//
// A Store is then instantiated per execution context with New. Stores never
// share state; two stores built from the same slices are independent.
//
// # Change propagation
//
// Dispatch applies one action synchronously and produces a new immutable
// State. Fields whose value changed (by the field's equality) invalidate the
// derived fields downstream of them; derived fields recompute lazily on the
// next read and are memoized by revision stamps. Effects tracking a changed
// key are marked dirty and handed to their scheduler, which decides when,
// not whether, they run. An effect always sees the state current at the
// moment it runs, so several dispatches before a run coalesce into one
// invocation.
//
// Dependencies are explicit: derived fields list the keys they read, and a
// compute function reading anything else panics. The graph is validated
// when the Store is created (unknown keys, scope violations, cycles).
//
// # Teardown
//
// Destroy cancels the store context, runs every effect cleanup exactly once
// and stops timer-driven schedulers. Later scheduled runs are no-ops.
package store
