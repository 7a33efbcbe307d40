package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/mirror/internal/replica"
	"github.com/roach88/mirror/internal/rpc"
	"github.com/roach88/mirror/internal/scheduler"
	"github.com/roach88/mirror/internal/store"
)

// DefaultResyncBackoff is the first wait after a failed resync request.
const DefaultResyncBackoff = 100 * time.Millisecond

const maxResyncBackoff = 5 * time.Second

// ContextConfig holds the settings shared by every execution context.
type ContextConfig struct {
	// Name labels the context's store in logs.
	Name string

	// Scheduler is the store's default effect policy. Nil means
	// scheduler.Default().
	Scheduler scheduler.Policy

	// FlushScheduler overrides the replication flush policy. Nil means
	// scheduler.Batch(FlushWindow).
	FlushScheduler scheduler.Policy

	// FlushWindow is the replication batching window.
	FlushWindow time.Duration

	// QueueSize bounds envelopes waiting for the peer.
	QueueSize int

	// NoDigest leaves replica digests out of envelopes.
	NoDigest bool

	// ResyncBackoff is the first wait before a failed resync request is
	// repeated. It doubles per attempt. Zero means DefaultResyncBackoff.
	ResyncBackoff time.Duration

	// Clock stamps workspace changes. Nil means time.Now.
	Clock func() time.Time

	// Parent bounds the store context.
	Parent context.Context
}

func (c ContextConfig) storeOptions(defaultName string) []store.Option {
	name := c.Name
	if name == "" {
		name = defaultName
	}
	opts := []store.Option{store.WithName(name)}
	if c.Scheduler != nil {
		opts = append(opts, store.WithScheduler(c.Scheduler))
	}
	if c.Parent != nil {
		opts = append(opts, store.WithContext(c.Parent))
	}
	return opts
}

func (c ContextConfig) clock() func() time.Time {
	if c.Clock != nil {
		return c.Clock
	}
	return time.Now
}

func (c ContextConfig) resyncBackoff() time.Duration {
	if c.ResyncBackoff > 0 {
		return c.ResyncBackoff
	}
	return DefaultResyncBackoff
}

// requestResync asks the peer for a full resync of m until a request
// succeeds, the mirror is no longer stale or ctx ends.
func requestResync(ctx context.Context, st *store.Store, m *replica.Mirror, backoff time.Duration,
	resync func(context.Context) *rpc.Future[rpc.Void]) {
	for attempt := 1; ; attempt++ {
		_, err := resync(ctx).Await(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		slog.Warn("resync request failed",
			"store", st.Name(),
			"mirror", m.Name(),
			"attempt", attempt,
			"retry_in", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !m.Stale.Get(st) {
			return
		}
		backoff = min(backoff*2, maxResyncBackoff)
	}
}
