// Package replica mirrors a projection of one store's state into another
// execution context by shipping structural patches.
//
// Each direction is an independent one-way channel built from a Mirror
// declared once per state shape:
//
//   - the sending store includes Mirror.Slice and calls Attach. A diff effect
//     tracking the source keys diffs the projection against the replica,
//     appends the ops to an outbox and advances the replica at once (Dirty).
//     A flush effect on a batching scheduler drains the outbox, stamps a
//     monotonic id and hands the envelope to a Sink (Flushing), returning to
//     Idle.
//   - the receiving store includes the same Mirror.Slice and serves a
//     Receiver, which applies envelopes in receive order through an action.
//     Everything else reads the replica field like any other field.
//
// Delivery is at-most-once: a failed send is logged and counted, never
// retried. Receivers mark the replica Stale when they see a gap or a digest
// mismatch, and a full resync (a root replace) clears it.
package replica

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/mirror/internal/ir"
	"github.com/roach88/mirror/internal/patch"
	"github.com/roach88/mirror/internal/store"
)

// ErrDuplicate reports an envelope whose id is not newer than the last one
// applied.
var ErrDuplicate = errors.New("replica: stale or duplicate envelope")

// Envelope is one patch message on the wire.
type Envelope struct {
	ID      uint64          `json:"id"`
	Patches json.RawMessage `json:"patches"`
	Digest  string          `json:"digest,omitempty"`
}

// Delivery is the decoded payload of the apply action.
type Delivery struct {
	ID     uint64
	Ops    []patch.Op
	Digest string
}

// Mirror declares the slice holding one replicated state shape.
type Mirror struct {
	name  string
	slice *store.Slice

	// Replica is the mirrored value. It is written only by the replication
	// machinery of its own side.
	Replica store.Field[ir.Value]

	// Pending is bumped each time the outbox grows; the flush effect
	// tracks it.
	Pending store.Field[uint64]

	// ResyncRev is bumped by Sender.Resync.
	ResyncRev store.Field[uint64]

	// LastID is the id of the last envelope applied by a receiver.
	LastID store.Field[uint64]

	// Stale is set when the receiving side knows the replica diverged.
	Stale store.Field[bool]

	advance   store.Action[ir.Value]
	enqueued  store.Action[struct{}]
	resync    store.Action[struct{}]
	apply     store.Action[Delivery]
	markStale store.Action[uint64]

	outbox store.RefKey[[]patch.Op]
	nextID store.RefKey[uint64]
}

// NewMirror declares a mirror slice named name whose replica starts at
// initial on both sides. A nil initial value is treated as null.
func NewMirror(name string, initial ir.Value) *Mirror {
	if initial == nil {
		initial = ir.Null{}
	}
	s := store.NewSlice(name)
	m := &Mirror{name: name, slice: s}

	m.Replica = store.DefineField(s, "replica", initial, store.WithEqual(ir.Equal))
	m.Pending = store.DefineField(s, "pending", uint64(0))
	m.ResyncRev = store.DefineField(s, "resyncRev", uint64(0))
	m.LastID = store.DefineField(s, "lastID", uint64(0))
	m.Stale = store.DefineField(s, "stale", false)

	m.advance = store.DefineAction(s, "advance", func(tx *store.Tx, v ir.Value) error {
		m.Replica.Set(tx, v)
		m.Pending.Update(tx, func(n uint64) uint64 { return n + 1 })
		return nil
	})
	m.enqueued = store.DefineAction(s, "enqueued", func(tx *store.Tx, _ struct{}) error {
		m.Pending.Update(tx, func(n uint64) uint64 { return n + 1 })
		return nil
	})
	m.resync = store.DefineAction(s, "resync", func(tx *store.Tx, _ struct{}) error {
		m.ResyncRev.Update(tx, func(n uint64) uint64 { return n + 1 })
		return nil
	})
	m.apply = store.DefineAction(s, "apply", m.applyDelivery)
	m.markStale = store.DefineAction(s, "markStale", func(tx *store.Tx, id uint64) error {
		m.Stale.Set(tx, true)
		if id > m.LastID.Get(tx) {
			m.LastID.Set(tx, id)
		}
		return nil
	})

	m.outbox = store.NewRefKey[[]patch.Op](name+".outbox", nil)
	m.nextID = store.NewRefKey[uint64](name+".nextID", nil)
	return m
}

// Name returns the mirror slice name.
func (m *Mirror) Name() string { return m.name }

// Slice returns the slice to include in both stores.
func (m *Mirror) Slice() *store.Slice { return m.slice }

// applyDelivery applies one envelope to the replica.
//
// Ids at or below LastID are rejected with ErrDuplicate and change nothing.
// A gap or a digest mismatch still applies the ops but marks the replica
// stale; an envelope that starts with a root replace clears staleness.
func (m *Mirror) applyDelivery(tx *store.Tx, d Delivery) error {
	last := m.LastID.Get(tx)
	if d.ID <= last {
		return fmt.Errorf("envelope %d (last applied %d): %w", d.ID, last, ErrDuplicate)
	}

	next, err := patch.Apply(m.Replica.Get(tx), d.Ops)
	if err != nil {
		return fmt.Errorf("envelope %d: %w", d.ID, err)
	}

	stale := m.Stale.Get(tx) || d.ID != last+1
	if len(d.Ops) > 0 && d.Ops[0].IsRootReplace() {
		stale = false
	}
	if d.Digest != "" {
		got, err := ir.Digest(next)
		if err != nil {
			return fmt.Errorf("envelope %d: digest: %w", d.ID, err)
		}
		if got != d.Digest {
			stale = true
		}
	}

	m.Replica.Set(tx, next)
	m.LastID.Set(tx, d.ID)
	m.Stale.Set(tx, stale)
	return nil
}
