package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/mirror/internal/broadcast"
)

// NewTabsCommand creates the tabs command group.
func NewTabsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "Send and receive events on the SQLite tab channel",
		Long: `Every process that opens the same database and channel sees the events
the others send. Its own events are never delivered back to it.

The database and channel come from the tabs section of the config.`,
	}
	cmd.AddCommand(newTabsSendCommand(rootOpts))
	cmd.AddCommand(newTabsListenCommand(rootOpts))
	return cmd
}

// TabsSendResult describes a sent event.
type TabsSendResult struct {
	Channel string `json:"channel"`
	Sender  string `json:"sender"`
	Event   string `json:"event"`
}

// Text prints a one-line confirmation.
func (r TabsSendResult) Text(w io.Writer) {
	fmt.Fprintf(w, "sent %s on %s as %s\n", r.Event, r.Channel, r.Sender)
}

func newTabsSendCommand(rootOpts *RootOptions) *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "send <event> [payload-json]",
		Short: "Send one event to the other tabs",
		Example: `  mirrorctl tabs send workspaceChanged '{"workspace":"work"}'
  mirrorctl tabs send ping`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)

			var payload json.RawMessage = []byte("null")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return out.Fail(ExitCommandError, ErrCodeInput, "invalid payload", fmt.Errorf("not JSON: %s", args[1]))
				}
				payload = json.RawMessage(args[1])
			}

			adapter, closeTabs, err := joinTabs(cmd.Context(), rootOpts, sender)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeTabs, "failed to join tab channel", err)
			}
			defer closeTabs()

			if err := adapter.Emit(args[0], payload); err != nil {
				return out.Fail(ExitFailure, ErrCodeTabs, "send failed", err)
			}
			return out.Success(TabsSendResult{
				Channel: adapter.Channel(),
				Sender:  adapter.ID(),
				Event:   args[0],
			})
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "", "sender id (default: a generated UUID)")
	return cmd
}

// TabsMessage is one received event.
type TabsMessage struct {
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
}

// TabsListenResult holds the events received before the listener stopped.
type TabsListenResult struct {
	Channel  string        `json:"channel"`
	Messages []TabsMessage `json:"messages"`
}

// Text prints one event per line.
func (r TabsListenResult) Text(w io.Writer) {
	for _, m := range r.Messages {
		fmt.Fprintf(w, "%s %s %s\n", m.Sender, m.Event, m.Payload)
	}
	fmt.Fprintf(w, "%d events on %s\n", len(r.Messages), r.Channel)
}

func newTabsListenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		events  []string
		count   int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print events sent by other tabs",
		Example: `  mirrorctl tabs listen --event workspaceChanged --count 1
  mirrorctl tabs listen --timeout 30s --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			if len(events) == 0 {
				return out.Fail(ExitCommandError, ErrCodeInput, "nothing to listen for", fmt.Errorf("pass at least one --event"))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			adapter, closeTabs, err := joinTabs(ctx, rootOpts, "")
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeTabs, "failed to join tab channel", err)
			}
			defer closeTabs()

			var (
				mu       sync.Mutex
				received []TabsMessage
			)
			for _, event := range events {
				off := adapter.On(event, func(m broadcast.Message) {
					mu.Lock()
					defer mu.Unlock()
					if count > 0 && len(received) >= count {
						return
					}
					received = append(received, TabsMessage{
						Sender:    m.Sender.ID,
						Timestamp: m.Sender.Timestamp,
						Event:     m.Event,
						Payload:   m.Payload,
					})
					out.VerboseLog("received %s from %s", m.Event, m.Sender.ID)
					if count > 0 && len(received) == count {
						cancel()
					}
				})
				defer off()
			}

			<-ctx.Done()

			mu.Lock()
			defer mu.Unlock()
			return out.Success(TabsListenResult{
				Channel:  adapter.Channel(),
				Messages: append([]TabsMessage{}, received...),
			})
		},
	}
	cmd.Flags().StringArrayVar(&events, "event", nil, "event name to print (repeatable)")
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many events (0: until timeout)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "stop listening after this long")
	return cmd
}

// joinTabs opens the configured SQLite medium and subscribes an adapter to
// the configured channel. The returned func closes both.
func joinTabs(ctx context.Context, opts *RootOptions, sender string) (*broadcast.Adapter, func(), error) {
	medium, err := openTabs(opts.Config.Tabs)
	if err != nil {
		return nil, nil, err
	}
	var adapterOpts []broadcast.Option
	if sender != "" {
		adapterOpts = append(adapterOpts, broadcast.WithSenderID(sender))
	}
	adapter, err := broadcast.New(ctx, medium, opts.Config.Tabs.Channel, adapterOpts...)
	if err != nil {
		_ = medium.Close()
		return nil, nil, err
	}
	return adapter, func() {
		_ = adapter.Close()
		_ = medium.Close()
	}, nil
}
