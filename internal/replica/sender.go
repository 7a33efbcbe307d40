package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
	"github.com/roach88/mirror/internal/scheduler"
	"github.com/roach88/mirror/internal/store"
)

// DefaultWindow is the flush batching window.
const DefaultWindow = 50 * time.Millisecond

// DefaultQueueSize bounds envelopes waiting for the sink.
const DefaultQueueSize = 256

// Sink receives envelopes, usually through a ready-gated proxy of the other
// context. ReceivePatches may block until the peer has applied the envelope.
type Sink interface {
	ReceivePatches(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

// ReceivePatches calls f.
func (f SinkFunc) ReceivePatches(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// SenderConfig configures Attach.
type SenderConfig struct {
	// Track lists the source keys the projection reads.
	Track []store.Key

	// Project computes the replicated value from the sending store's state.
	Project func(r store.Reader) ir.Value

	// Sink receives the envelopes.
	Sink Sink

	// Window is the flush batching window. Zero means DefaultWindow.
	Window time.Duration

	// Scheduler overrides the batching scheduler for the flush effect.
	Scheduler scheduler.Policy

	// QueueSize bounds envelopes waiting for the sink. Zero means
	// DefaultQueueSize. An envelope that does not fit is lost.
	QueueSize int

	// NoDigest leaves the digest out of envelopes.
	NoDigest bool
}

// Sender is the sending half of one replication channel.
type Sender struct {
	mirror *Mirror
	store  *store.Store
	cfg    SenderConfig
	queue  chan Envelope
	done   chan struct{}

	sent atomic.Int64
	lost atomic.Int64
}

// Attach wires the replication effects for m into st, which must include
// m.Slice(). Envelopes are delivered to cfg.Sink from a single goroutine, in
// id order, until st is destroyed.
func Attach(st *store.Store, m *Mirror, cfg SenderConfig) (*Sender, error) {
	if cfg.Project == nil || cfg.Sink == nil {
		return nil, &store.ConfigError{
			Code:    store.ErrCodeInvalid,
			Message: "sender needs a projection and a sink",
			Slice:   m.name,
		}
	}
	if !slices.Contains(st.Slices(), m.name) {
		return nil, &store.ConfigError{
			Code:    store.ErrCodeUnknownSlice,
			Message: "store does not include the mirror slice",
			Slice:   m.name,
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.Batch(cfg.Window)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	s := &Sender{
		mirror: m,
		store:  st,
		cfg:    cfg,
		queue:  make(chan Envelope, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	specs := []store.EffectSpec{
		{Name: m.name + ".diff", Track: cfg.Track, Run: s.diff},
		{Name: m.name + ".resync", Track: []store.Key{m.ResyncRev.Key()}, Run: s.resync},
		{Name: m.name + ".flush", Track: []store.Key{m.Pending.Key()}, Run: s.flush, Scheduler: cfg.Scheduler},
	}
	for _, spec := range specs {
		if err := st.RegisterEffect(spec); err != nil {
			return nil, fmt.Errorf("attach %s: %w", m.name, err)
		}
	}

	go s.deliver(st.Context())

	slog.Debug("replica sender attached",
		"store", st.Name(),
		"mirror", m.name,
		"window", cfg.Window)
	return s, nil
}

// diff moves Idle to Dirty: it appends the ops that bring the replica up to
// the projection and advances the replica immediately.
func (s *Sender) diff(ec *store.EffectContext) error {
	next := s.cfg.Project(ec.State())
	if next == nil {
		next = ir.Null{}
	}
	ops := patch.Diff(s.mirror.Replica.Get(ec.State()), next)
	if len(ops) == 0 {
		return nil
	}

	s.mirror.outbox.Of(s.store).Update(func(q []patch.Op) []patch.Op {
		return append(q, ops...)
	})
	return ec.Dispatch(s.mirror.advance.With(next))
}

// resync replaces whatever is queued with one root replace of the replica.
func (s *Sender) resync(ec *store.EffectContext) error {
	if s.mirror.ResyncRev.Get(ec.State()) == 0 {
		return nil
	}

	full := s.mirror.Replica.Get(ec.State())
	superseded := s.mirror.outbox.Of(s.store).Swap([]patch.Op{
		{Op: patch.Replace, Path: patch.Path{}, Value: full},
	})
	slog.Info("replica resync queued",
		"store", s.store.Name(),
		"mirror", s.mirror.name,
		"superseded", len(superseded))
	return ec.Dispatch(s.mirror.enqueued.With(struct{}{}))
}

// flush moves Dirty to Flushing: it drains the outbox into one envelope.
func (s *Sender) flush(ec *store.EffectContext) error {
	ops := s.mirror.outbox.Of(s.store).Swap(nil)
	if len(ops) == 0 {
		return nil
	}

	id := s.mirror.nextID.Of(s.store).Update(func(n uint64) uint64 { return n + 1 })
	data, err := patch.Encode(ops)
	if err != nil {
		s.lost.Add(1)
		return fmt.Errorf("encode envelope %d: %w", id, err)
	}
	env := Envelope{ID: id, Patches: data}

	if !s.cfg.NoDigest {
		digest, err := ir.Digest(s.mirror.Replica.Get(ec.State()))
		if err != nil {
			slog.Warn("replica envelope sent without digest",
				"mirror", s.mirror.name,
				"id", id,
				"error", err)
		} else {
			env.Digest = digest
		}
	}

	select {
	case s.queue <- env:
		slog.Debug("replica envelope queued",
			"mirror", s.mirror.name,
			"id", id,
			"ops", len(ops))
	default:
		s.lost.Add(1)
		slog.Warn("replica envelope lost: send queue full",
			"mirror", s.mirror.name,
			"id", id,
			"ops", len(ops))
	}
	return nil
}

// deliver hands envelopes to the sink one at a time, in id order.
func (s *Sender) deliver(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.drainLost()
			return
		case env := <-s.queue:
			if err := s.cfg.Sink.ReceivePatches(ctx, env); err != nil {
				s.lost.Add(1)
				level := slog.LevelWarn
				if errors.Is(err, context.Canceled) {
					level = slog.LevelDebug
				}
				slog.Log(ctx, level, "replica envelope lost",
					"mirror", s.mirror.name,
					"id", env.ID,
					"error", err)
				continue
			}
			s.sent.Add(1)
		}
	}
}

func (s *Sender) drainLost() {
	for {
		select {
		case env := <-s.queue:
			s.lost.Add(1)
			slog.Debug("replica envelope dropped on shutdown", "mirror", s.mirror.name, "id", env.ID)
		default:
			return
		}
	}
}

// Resync queues a full root replace of the replica, for a receiver that was
// re-created or reported itself stale.
func (s *Sender) Resync() error {
	return s.store.Dispatch(s.mirror.resync.With(struct{}{}))
}

// Sent returns the number of envelopes the sink accepted.
func (s *Sender) Sent() int64 { return s.sent.Load() }

// Lost returns the number of envelopes that were never delivered.
func (s *Sender) Lost() int64 { return s.lost.Load() }

// Done is closed once the delivery goroutine exits after the store is
// destroyed.
func (s *Sender) Done() <-chan struct{} { return s.done }
