package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/mirror/internal/patch"
	"github.com/roach88/mirror/internal/store"
)

// Receiver is the receiving half of one replication channel.
type Receiver struct {
	mirror *Mirror
	store  *store.Store

	mu      sync.Mutex
	applied atomic.Int64
	dropped atomic.Int64
}

// NewReceiver serves m on st, which must include m.Slice().
func NewReceiver(st *store.Store, m *Mirror) (*Receiver, error) {
	if !slices.Contains(st.Slices(), m.name) {
		return nil, &store.ConfigError{
			Code:    store.ErrCodeUnknownSlice,
			Message: "store does not include the mirror slice",
			Slice:   m.name,
		}
	}
	return &Receiver{mirror: m, store: st}, nil
}

// ReceivePatches applies env. Envelopes are applied in the order they are
// received; a stale or duplicate id is dropped and is not an error.
// A malformed envelope marks the replica stale and returns the error.
func (r *Receiver) ReceivePatches(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, err := patch.Decode(env.Patches)
	if err != nil {
		r.stale(env.ID, err)
		return fmt.Errorf("envelope %d: %w", env.ID, err)
	}

	wasStale := r.mirror.Stale.Get(r.store)
	err = r.store.Dispatch(r.mirror.apply.With(Delivery{ID: env.ID, Ops: ops, Digest: env.Digest}))
	switch {
	case errors.Is(err, ErrDuplicate):
		r.dropped.Add(1)
		slog.Debug("replica envelope dropped", "mirror", r.mirror.name, "id", env.ID)
		return nil
	case errors.Is(err, store.ErrDestroyed):
		return err
	case err != nil:
		r.stale(env.ID, err)
		return err
	}

	r.applied.Add(1)
	stale := r.mirror.Stale.Get(r.store)
	switch {
	case stale && !wasStale:
		slog.Warn("replica marked stale", "mirror", r.mirror.name, "id", env.ID)
	case !stale && wasStale:
		slog.Info("replica resynced", "mirror", r.mirror.name, "id", env.ID)
	}
	return nil
}

func (r *Receiver) stale(id uint64, cause error) {
	slog.Warn("replica envelope rejected", "mirror", r.mirror.name, "id", id, "error", cause)
	if err := r.store.Dispatch(r.mirror.markStale.With(id)); err != nil {
		slog.Debug("replica mark stale failed", "mirror", r.mirror.name, "error", err)
	}
}

// Stale reports whether the local replica is known to have diverged.
func (r *Receiver) Stale() bool {
	return r.mirror.Stale.Get(r.store)
}

// LastID returns the id of the last applied envelope.
func (r *Receiver) LastID() uint64 {
	return r.mirror.LastID.Get(r.store)
}

// Stats returns the number of applied and dropped envelopes.
func (r *Receiver) Stats() (applied, dropped int64) {
	return r.applied.Load(), r.dropped.Load()
}

// Ensure Receiver can be handed to a Sender directly in-process.
var _ Sink = (*Receiver)(nil)
