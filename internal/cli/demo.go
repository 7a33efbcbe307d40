package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mirror/internal/app"
	"github.com/roach88/mirror/internal/broadcast"
	"github.com/roach88/mirror/internal/config"
	"github.com/roach88/mirror/internal/rpc"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Create  []string
	Select  string
	Open    []string
	Tabs    bool
	Timeout time.Duration
}

// DemoResult is the converged state after a demo run.
type DemoResult struct {
	Queued        int      `json:"queued"`
	Workspaces    []string `json:"workspaces"`
	Selected      string   `json:"selected"`
	SelectedKnown bool     `json:"selected_known"`
	OpenNotes     []string `json:"open_notes"`
	Focused       string   `json:"focused"`
	TabID         string   `json:"tab_id,omitempty"`
	WindowSent    int64    `json:"window_sent"`
	WorkerSent    int64    `json:"worker_sent"`
	Lost          int64    `json:"lost"`
	Errors        []string `json:"errors,omitempty"`
}

// Text renders the result for humans.
func (r DemoResult) Text(w io.Writer) {
	fmt.Fprintf(w, "queued before ready: %d\n", r.Queued)
	fmt.Fprintf(w, "workspaces:          %s\n", strings.Join(r.Workspaces, ", "))
	fmt.Fprintf(w, "selected:            %s (known: %t)\n", r.Selected, r.SelectedKnown)
	fmt.Fprintf(w, "open notes:          %s\n", strings.Join(r.OpenNotes, ", "))
	fmt.Fprintf(w, "worker focus:        %s\n", r.Focused)
	if r.TabID != "" {
		fmt.Fprintf(w, "tab id:              %s\n", r.TabID)
	}
	fmt.Fprintf(w, "envelopes:           window %d, worker %d, lost %d\n", r.WindowSent, r.WorkerSent, r.Lost)
	for _, e := range r.Errors {
		fmt.Fprintf(w, "error: %s\n", e)
	}
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Boot a window and worker, drive them, print the converged state",
		Long: `Boot a window and a worker that starts asynchronously. Workspace
calls made before the worker is ready are queued by the proxy and flushed in
order once it is. UI changes are mirrored to the worker and workspace changes
back to the window.

Examples:
  mirrorctl demo --create work --create home --select work --open todo.md
  mirrorctl demo --config mirror.yaml --tabs --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, opts)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Create, "create", nil, "workspace to create through the worker proxy (repeatable)")
	cmd.Flags().StringVar(&opts.Select, "select", "", "workspace to select in the window")
	cmd.Flags().StringArrayVar(&opts.Open, "open", nil, "note to open in the window (repeatable)")
	cmd.Flags().BoolVar(&opts.Tabs, "tabs", false, "join the SQLite tab channel from the config")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Second, "how long to wait for the contexts to converge")

	return cmd
}

func runDemo(cmd *cobra.Command, opts *DemoOptions) error {
	out := newFormatter(cmd, opts.RootOptions)

	appCfg, err := appConfig(opts.Config)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeConfig, "invalid config", err)
	}

	if opts.Tabs {
		medium, err := openTabs(opts.Config.Tabs)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeTabs, "failed to open tab channel", err)
		}
		defer medium.Close()
		appCfg.Window.Tabs = medium
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	a, err := app.Boot(ctx, appCfg)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeBoot, "failed to boot", err)
	}
	defer a.Close()

	result := DemoResult{}
	pending := make([]*rpc.Future[rpc.Void], 0, len(opts.Create))
	for _, name := range opts.Create {
		pending = append(pending, a.Window.CreateWorkspace(ctx, name))
	}
	result.Queued = a.Window.Worker().Pending()
	out.VerboseLog("issued %d create calls, %d queued", len(pending), result.Queued)

	if opts.Select != "" {
		if err := a.Window.Select(opts.Select); err != nil {
			return out.Fail(ExitCommandError, ErrCodeInput, "select failed", err)
		}
	}
	for _, path := range opts.Open {
		if err := a.Window.Open(path); err != nil {
			return out.Fail(ExitCommandError, ErrCodeInput, "open failed", err)
		}
	}

	for i, f := range pending {
		if _, err := f.Await(ctx); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("create %q: %v", opts.Create[i], err))
		}
	}

	worker, err := a.Settle(ctx)
	if err != nil {
		return out.Fail(ExitFailure, ErrCodeBoot, "contexts did not settle", err)
	}

	result.Workspaces = a.Window.Workspaces()
	result.Selected = app.Selected.Get(a.Window.Store())
	result.SelectedKnown = a.Window.SelectedKnown()
	result.OpenNotes = app.OpenNotes.Get(a.Window.Store())
	result.Focused = worker.Focused()
	result.TabID = a.Window.TabID()
	result.WindowSent = a.Window.Sender().Sent()
	result.WorkerSent = worker.Sender().Sent()
	result.Lost = a.Window.Sender().Lost() + worker.Sender().Lost()

	return out.Success(result)
}

// appConfig maps file settings onto the window/worker pair.
func appConfig(cfg config.Config) (app.Config, error) {
	policy, err := cfg.SchedulerPolicy()
	if err != nil {
		return app.Config{}, err
	}
	contextConfig := func(name string) app.ContextConfig {
		return app.ContextConfig{
			Name:        name,
			Scheduler:   policy,
			FlushWindow: cfg.Replication.Window,
			QueueSize:   cfg.Replication.QueueSize,
			NoDigest:    !cfg.Replication.Digest,
		}
	}
	return app.Config{
		Window: app.WindowConfig{
			ContextConfig: contextConfig("window"),
			TabsChannel:   cfg.Tabs.Channel,
		},
		Worker: app.WorkerConfig{
			ContextConfig: contextConfig("worker"),
			Seed:          cfg.Workspaces,
		},
		Latency:      cfg.Boot.Latency,
		StartupDelay: cfg.Boot.StartupDelay,
	}, nil
}

func openTabs(cfg config.TabsConfig) (*broadcast.SQLiteMedium, error) {
	return broadcast.OpenSQLite(cfg.DB,
		broadcast.WithPollInterval(cfg.PollInterval),
		broadcast.WithRetention(cfg.Retention))
}
