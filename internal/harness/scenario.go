package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is one scripted session.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Workspaces seeds the worker.
	Workspaces []string `yaml:"workspaces,omitempty"`

	// StartupDelay holds the worker back so early calls queue.
	StartupDelay string `yaml:"startup_delay,omitempty"`

	// Latency slows the window/worker pipe.
	Latency string `yaml:"latency,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scripted operation.
type Step struct {
	Do   string            `yaml:"do"`
	Args map[string]string `yaml:"args,omitempty"`

	// ExpectError, when set, requires the step to fail with an error
	// containing this text.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the trace or the final snapshot.
type Assertion struct {
	Type string `yaml:"type"`

	// Step and Args are used by trace_contains and trace_count.
	Step string            `yaml:"step,omitempty"`
	Args map[string]string `yaml:"args,omitempty"`

	// Steps is the expected order for trace_order.
	Steps []string `yaml:"steps,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Field and Expect are used by final_state.
	Field  string `yaml:"field,omitempty"`
	Expect any    `yaml:"expect,omitempty"`
}

// Step names.
const (
	StepSelect  = "select"
	StepOpen    = "open"
	StepClose   = "close"
	StepCreate  = "create"
	StepRename  = "rename"
	StepDelete  = "delete"
	StepTouch   = "touch"
	StepList    = "list"
	StepAdvance = "advance"
	StepSettle  = "settle"
)

// requiredArgs lists the args each step needs.
var requiredArgs = map[string][]string{
	StepSelect:  {"name"},
	StepOpen:    {"path"},
	StepClose:   {"path"},
	StepCreate:  {"name"},
	StepRename:  {"from", "to"},
	StepDelete:  {"name"},
	StepTouch:   {"name"},
	StepList:    nil,
	StepAdvance: {"by"},
	StepSettle:  nil,
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := parseDuration(s.StartupDelay); err != nil {
		return fmt.Errorf("startup_delay: %w", err)
	}
	if _, err := parseDuration(s.Latency); err != nil {
		return fmt.Errorf("latency: %w", err)
	}

	for i, step := range s.Steps {
		args, ok := requiredArgs[step.Do]
		if !ok {
			return fmt.Errorf("steps[%d]: unknown step %q", i, step.Do)
		}
		for _, a := range args {
			if step.Args[a] == "" {
				return fmt.Errorf("steps[%d]: %s requires arg %q", i, step.Do, a)
			}
		}
		if step.Do == StepAdvance {
			if _, err := time.ParseDuration(step.Args["by"]); err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTraceContains:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if _, ok := snapshotFields[a.Field]; !ok {
			return fmt.Errorf("assertions[%d]: unknown final_state field %q", index, a.Field)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
