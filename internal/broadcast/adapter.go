// Package broadcast provides best-effort fan-out between sibling contexts
// (for example several windows of the same application).
//
// An Adapter wraps a Medium channel. Outgoing events are wrapped in an
// envelope tagged with the adapter's sender id and a timestamp; inbound
// envelopes carrying our own sender id are discarded, and everything else is
// re-emitted through an emitter keyed by event name.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/mirror/internal/emitter"
	"github.com/roach88/mirror/internal/ir"
)

// Sender identifies the context that published an envelope.
type Sender struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}

type body struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type envelope struct {
	Sender  Sender `json:"sender"`
	Payload body   `json:"payload"`
}

// Message is an accepted inbound event.
type Message struct {
	Sender  Sender
	Event   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Value decodes a payload that was emitted as an ir.Value.
func (m Message) Value() (ir.Value, error) {
	return ir.Decode(m.Payload)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSenderID overrides the generated sender id.
func WithSenderID(id string) Option {
	return func(a *Adapter) { a.id = id }
}

// WithClock sets the clock used to stamp outgoing envelopes.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// Adapter publishes and receives events on one broadcast channel.
type Adapter struct {
	id      string
	channel string
	medium  Medium
	now     func() time.Time
	events  *emitter.Emitter[Message]

	unsubscribe func()
	stop        func() bool
	closeOnce   sync.Once
	closed      atomic.Bool

	accepted atomic.Int64
	echoes   atomic.Int64
	invalid  atomic.Int64
}

// New subscribes to channel on medium. The adapter closes itself when ctx is
// done, which is how it follows its owning store's destroy signal.
func New(ctx context.Context, medium Medium, channel string, opts ...Option) (*Adapter, error) {
	a := &Adapter{
		channel: channel,
		medium:  medium,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.id == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate sender id: %w", err)
		}
		a.id = id.String()
	}
	a.events = emitter.New[Message]("broadcast." + channel)

	unsubscribe, err := medium.Subscribe(channel, a.receive)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	a.unsubscribe = unsubscribe
	a.stop = context.AfterFunc(ctx, func() { _ = a.Close() })

	slog.Debug("broadcast adapter opened", "channel", channel, "sender", a.id)
	return a, nil
}

// ID returns the sender id stamped on outgoing envelopes.
func (a *Adapter) ID() string { return a.id }

// Channel returns the channel name.
func (a *Adapter) Channel() string { return a.channel }

// Emit publishes event with payload to every other adapter on the channel.
// An ir.Value payload is encoded with the tagged codec so maps, sets and
// times survive the trip; anything else is encoded with encoding/json.
func (a *Adapter) Emit(event string, payload any) error {
	if a.closed.Load() {
		return ErrClosed
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(envelope{
		Sender:  Sender{ID: a.id, Timestamp: a.now().UnixMilli()},
		Payload: body{Event: event, Payload: raw},
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return a.medium.Publish(a.channel, data)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if v, ok := payload.(ir.Value); ok {
		return ir.Encode(v)
	}
	if payload == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(payload)
}

func (a *Adapter) receive(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Sender.ID == "" || env.Payload.Event == "" {
		a.invalid.Add(1)
		slog.Warn("broadcast envelope discarded",
			"channel", a.channel,
			"sender", a.id,
			"error", err)
		return
	}
	if env.Sender.ID == a.id {
		a.echoes.Add(1)
		return
	}

	a.accepted.Add(1)
	a.events.Emit(env.Payload.Event, Message{
		Sender:  env.Sender,
		Event:   env.Payload.Event,
		Payload: env.Payload.Payload,
	})
}

// On registers fn for inbound messages with the given event name.
func (a *Adapter) On(event string, fn func(Message)) (off func()) {
	return a.events.On(event, fn)
}

// Once registers fn for the next inbound message with the given event name.
func (a *Adapter) Once(event string, fn func(Message)) (off func()) {
	return a.events.Once(event, fn)
}

// Stats returns counts of accepted messages, discarded self echoes and
// discarded malformed envelopes.
func (a *Adapter) Stats() (accepted, echoes, invalid int64) {
	return a.accepted.Load(), a.echoes.Load(), a.invalid.Load()
}

// Closed reports whether the adapter has been closed.
func (a *Adapter) Closed() bool { return a.closed.Load() }

// Close unsubscribes and drops every listener. It is idempotent and does not
// close the medium, which may be shared.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		a.stop()
		a.unsubscribe()
		a.events.Destroy()
		slog.Debug("broadcast adapter closed", "channel", a.channel, "sender", a.id)
	})
	return nil
}
