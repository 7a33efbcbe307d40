// Package harness runs YAML scenarios against a booted window/worker pair.
//
// # Scenario Format
//
//	name: rename_selected
//	description: "Renaming the selected workspace unsettles the window"
//	workspaces: [notes]
//	startup_delay: 20ms
//	steps:
//	  - do: select
//	    args: { name: notes }
//	  - do: rename
//	    args: { from: notes, to: journal }
//	  - do: create
//	    args: { name: journal }
//	    expect_error: already exists
//	  - do: settle
//	assertions:
//	  - type: trace_order
//	    steps: [select, rename, settle]
//	  - type: final_state
//	    field: selected_known
//	    expect: false
//
// # Steps
//
//   - select, open, close: window UI actions (args name / path)
//   - create, rename, delete, touch, list: worker calls through the
//     ready-gated proxy, awaited before the next step
//   - advance: moves the fake clock (args by)
//   - settle: waits until both mirrors match their sources and records a
//     state snapshot
//
// # Assertion Types
//
//   - trace_contains: a step with matching args appears in the trace
//   - trace_order: steps appear in the given order
//   - trace_count: a step appears exactly N times
//   - final_state: a snapshot field equals the expected value
//
// Runs use a fake clock and sequential tab ids so traces are identical
// across runs and can be compared with golden files.
package harness
