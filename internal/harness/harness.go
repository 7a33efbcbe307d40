package harness

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/roach88/mirror/internal/app"
	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/logging"
	"github.com/roach88/mirror/internal/rpc"
	"github.com/roach88/mirror/internal/scheduler"
	"github.com/roach88/mirror/internal/testutil"
)

// DefaultTimeout bounds each awaited call and each settle.
const DefaultTimeout = 2 * time.Second

// Harness executes one scenario against one booted app.
type Harness struct {
	app     *app.App
	clock   *testutil.FakeClock
	ids     *testutil.SequentialIDs
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes harness progress logs to l. The default discards them.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Harness) { h.timeout = d }
}

// Run boots a fresh window/worker pair, executes the scenario's steps in
// order and evaluates its assertions.
//
// Step failures that the scenario did not expect, and assertion failures,
// are reported in Result.Errors. The returned error is reserved for a
// scenario that cannot run at all.
func Run(ctx context.Context, s *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		clock:   testutil.NewFakeClock(),
		ids:     testutil.NewSequentialIDs("tab"),
		logger:  logging.Discard(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	delay, err := parseDuration(s.StartupDelay)
	if err != nil {
		return nil, fmt.Errorf("startup_delay: %w", err)
	}
	latency, err := parseDuration(s.Latency)
	if err != nil {
		return nil, fmt.Errorf("latency: %w", err)
	}

	a, err := app.Boot(ctx, app.Config{
		Window: app.WindowConfig{
			ContextConfig: h.contextConfig("window"),
			ID:            h.ids.Next(),
		},
		Worker: app.WorkerConfig{
			ContextConfig: h.contextConfig("worker"),
			Seed:          s.Workspaces,
		},
		Latency:      latency,
		StartupDelay: delay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to boot: %w", err)
	}
	defer a.Close()
	h.app = a

	result := NewResult()
	for i, step := range s.Steps {
		ev, stepErr := h.execute(ctx, step)
		ev.Failed = stepErr != nil
		result.AddTrace(ev)

		if msg := checkExpectation(step, stepErr); msg != "" {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", i, step.Do, msg))
		}
		h.logger.Info("step completed", "step", i, "do", step.Do, "failed", ev.Failed)
	}

	final, err := h.settle(ctx)
	if err != nil {
		result.AddError(err.Error())
	}
	result.Final = final

	for _, msg := range EvaluateAssertions(result, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) contextConfig(name string) app.ContextConfig {
	return app.ContextConfig{
		Name:        name,
		Scheduler:   scheduler.Zero(),
		FlushWindow: 2 * time.Millisecond,
		Clock:       h.clock.Now,
	}
}

// execute runs one step and returns its trace event and the step's own
// error.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: step.Do, Args: step.Args}
	window := h.app.Window
	worker := window.Worker()

	var err error
	switch step.Do {
	case StepSelect:
		err = window.Select(step.Args["name"])
	case StepOpen:
		err = window.Open(step.Args["path"])
	case StepClose:
		err = window.CloseNote(step.Args["path"])
	case StepCreate:
		_, err = h.await(ctx, window.CreateWorkspace(ctx, step.Args["name"]))
	case StepRename:
		_, err = h.await(ctx, worker.RenameWorkspace(ctx, step.Args["from"], step.Args["to"]))
	case StepDelete:
		_, err = h.await(ctx, worker.DeleteWorkspace(ctx, step.Args["name"]))
	case StepTouch:
		_, err = h.await(ctx, worker.TouchWorkspace(ctx, step.Args["name"]))
	case StepList:
		var names []string
		names, err = awaitWithin(ctx, h.timeout, worker.ListWorkspaces(ctx))
		ev.Result = names
	case StepAdvance:
		var d time.Duration
		if d, err = time.ParseDuration(step.Args["by"]); err == nil {
			h.clock.Advance(d)
		}
	case StepSettle:
		ev.State, err = h.settle(ctx)
	default:
		err = fmt.Errorf("unknown step %q", step.Do)
	}
	return ev, err
}

func (h *Harness) await(ctx context.Context, f *rpc.Future[rpc.Void]) (rpc.Void, error) {
	return awaitWithin(ctx, h.timeout, f)
}

func awaitWithin[R any](ctx context.Context, timeout time.Duration, f *rpc.Future[R]) (R, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Await(ctx)
}

// settle waits for both contexts to converge and snapshots them.
func (h *Harness) settle(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	worker, err := h.app.Settle(ctx)
	if err != nil {
		return nil, err
	}
	return h.snapshot(worker), nil
}

func (h *Harness) snapshot(worker *app.Worker) *Snapshot {
	window := h.app.Window
	all := app.Workspaces.Get(worker.Store())
	modified := make(map[string]time.Time, len(all))
	for name, info := range all {
		modified[name] = info.Modified.UTC()
	}
	return &Snapshot{
		Selected:      app.Selected.Get(window.Store()),
		OpenNotes:     nonNil(app.OpenNotes.Get(window.Store())),
		Known:         nonNil(window.Workspaces()),
		SelectedKnown: window.SelectedKnown(),
		Focused:       worker.Focused(),
		Workspaces:    modified,
	}
}

// checkExpectation compares a step's outcome with its expect_error clause.
// It returns "" when they agree.
func checkExpectation(step Step, err error) string {
	switch {
	case step.ExpectError == "" && err != nil:
		return fmt.Sprintf("unexpected error: %v", err)
	case step.ExpectError != "" && err == nil:
		return fmt.Sprintf("expected error containing %q, got success", step.ExpectError)
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		return fmt.Sprintf("expected error containing %q, got %v", step.ExpectError, err)
	}
	return ""
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return slices.Clone(s)
}

func sortedNames(m map[string]time.Time) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.SortFunc(names, ir.CompareKeys)
	return names
}
