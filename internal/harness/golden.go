package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/mirror/internal/ir"
)

// TraceSnapshot is the golden-file form of a run.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
}

// toCanonicalMap converts the snapshot into plain Go values that ir.FromGo
// accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":  ev.Seq,
			"step": ev.Step,
		}
		if len(ev.Args) > 0 {
			args := make(map[string]any, len(ev.Args))
			for k, v := range ev.Args {
				args[k] = v
			}
			m["args"] = args
		}
		if ev.Failed {
			m["failed"] = true
		}
		if ev.Result != nil {
			m["result"] = ev.Result
		}
		if ev.State != nil {
			m["state"] = ev.State.toCanonicalMap()
		}
		traceList[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
	}
}

func (s *Snapshot) toCanonicalMap() map[string]any {
	workspaces := make(map[string]any, len(s.Workspaces))
	for name, modified := range s.Workspaces {
		workspaces[name] = modified
	}
	return map[string]any{
		"selected":         s.Selected,
		"open_notes":       s.OpenNotes,
		"known_workspaces": s.Known,
		"selected_known":   s.SelectedKnown,
		"focused":          s.Focused,
		"workspaces":       workspaces,
	}
}

// CanonicalTrace renders a result's trace as canonical JSON.
func CanonicalTrace(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{ScenarioName: name, Trace: result.Trace}
	v, err := ir.FromGo(snapshot.toCanonicalMap())
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(v)
}

// RunWithGolden runs the scenario, fails t on any scenario error and
// compares the trace with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := CanonicalTrace(scenarioName, result)
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
