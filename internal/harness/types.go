package harness

import (
	"time"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq    int64             `json:"seq"`
	Step   string            `json:"step"`
	Args   map[string]string `json:"args,omitempty"`
	Failed bool              `json:"failed,omitempty"`

	// Result holds the reply of a list step.
	Result []string `json:"result,omitempty"`

	// State is recorded by settle steps.
	State *Snapshot `json:"state,omitempty"`
}

// Snapshot is the converged state of both contexts.
type Snapshot struct {
	// Window side.
	Selected      string   `json:"selected"`
	OpenNotes     []string `json:"open_notes"`
	Known         []string `json:"known_workspaces"`
	SelectedKnown bool     `json:"selected_known"`

	// Worker side.
	Focused    string               `json:"focused"`
	Workspaces map[string]time.Time `json:"workspaces"`
}

// snapshotFields maps final_state field names to snapshot values.
var snapshotFields = map[string]func(s *Snapshot) any{
	"selected":         func(s *Snapshot) any { return s.Selected },
	"open_notes":       func(s *Snapshot) any { return s.OpenNotes },
	"known_workspaces": func(s *Snapshot) any { return s.Known },
	"selected_known":   func(s *Snapshot) any { return s.SelectedKnown },
	"focused":          func(s *Snapshot) any { return s.Focused },
	"workspaces":       func(s *Snapshot) any { return sortedNames(s.Workspaces) },
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Final is the snapshot taken after the last step.
	Final *Snapshot `json:"final,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event with the next sequence number.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
