// bus.go is the per-session event bus: a totally ordered broadcast of state
// transitions to the players and spectators of one game. Every state
// transition carries a monotonic sequence number; synthetic envelopes (clock
// ticks, chat) ride alongside without consuming a number and without being
// retained for replay.
package session

import (
	"sync"

	"github.com/tempochess/tempo/metrics"
)

// Kind identifies the kind of envelope published on the bus.
type Kind string

const (
	KindSeated       Kind = "seated"
	KindMove         Kind = "move"
	KindDrawOffered  Kind = "draw-offered"
	KindDrawAccepted Kind = "draw-accepted"
	KindDrawDeclined Kind = "draw-declined"
	KindResigned     Kind = "resigned"
	KindCompleted    Kind = "completed"
	KindAbandoned    Kind = "abandoned"
	// KindClockTick and KindChat are synthetic: they carry the latest seq
	// but do not increment it and are never retained or persisted.
	KindClockTick Kind = "clock-tick"
	KindChat      Kind = "chat"
)

// Envelope is one message delivered to every subscriber of a session.
type Envelope struct {
	Seq     int64 `json:"seq"`
	Kind    Kind  `json:"kind"`
	Payload any   `json:"payload"`
}

// Synthetic reports whether the envelope is a non-transition message that
// borrowed the current seq instead of consuming one.
func (e Envelope) Synthetic() bool {
	return e.Kind == KindClockTick || e.Kind == KindChat
}

// tailCap bounds the replay tail. The bus retains at least the last 64
// transitions so a brief reconnect resumes without a fresh snapshot.
const tailCap = 128

// defaultQueueSize is the per-subscriber delivery buffer. A subscriber that
// lets it fill is marked dead and must resubscribe.
const defaultQueueSize = 256

type subscriber struct {
	id   string
	ch   chan Envelope
	dead bool
}

// Bus is one session's broadcast fan-out. Publish-side calls happen only on
// the session's actor goroutine; subscribe-side calls arrive through the
// same actor, but the bus keeps its own lock so gateway teardown paths can
// unsubscribe directly.
type Bus struct {
	mu        sync.Mutex
	seq       int64
	subs      map[string]*subscriber
	tail      []Envelope
	tailStart int64 // seq of tail[0]; 0 when tail is empty
	queueSize int
	closed    bool
}

// NewBus creates a bus with the given per-subscriber queue size; zero means
// the default.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Bus{
		subs:      make(map[string]*subscriber),
		queueSize: queueSize,
	}
}

// Seq returns the sequence number of the last published transition.
func (b *Bus) Seq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Subscribe registers id and returns its delivery channel together with the
// current seq. Events arriving after the call have strictly greater seq. A
// second Subscribe with the same id replaces the first.
func (b *Bus) Subscribe(id string) (<-chan Envelope, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subs[id]; ok && !old.dead {
		old.dead = true
		close(old.ch)
	}
	sub := &subscriber{id: id, ch: make(chan Envelope, b.queueSize)}
	if b.closed {
		sub.dead = true
		close(sub.ch)
		return sub.ch, b.seq
	}
	b.subs[id] = sub
	return sub.ch, b.seq
}

// Unsubscribe removes id from the bus and closes its channel. Safe to call
// for unknown ids or more than once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	if !sub.dead {
		sub.dead = true
		close(sub.ch)
	}
}

// Replay returns the retained transitions with seq > lastSeq, and whether
// the tail reaches back far enough to resume from lastSeq. When it does not,
// the caller must fall back to snapshot-then-stream.
func (b *Bus) Replay(lastSeq int64) ([]Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lastSeq >= b.seq {
		return nil, lastSeq == b.seq
	}
	if len(b.tail) == 0 || lastSeq < b.tailStart-1 {
		return nil, false
	}
	from := int(lastSeq - b.tailStart + 1)
	out := make([]Envelope, len(b.tail)-from)
	copy(out, b.tail[from:])
	return out, true
}

// Publish assigns the next seq to a state transition and delivers it to
// every live subscriber. Slow subscribers are dropped, never waited on.
func (b *Bus) Publish(kind Kind, payload any) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.seq
	}
	b.seq++
	env := Envelope{Seq: b.seq, Kind: kind, Payload: payload}

	b.tail = append(b.tail, env)
	if b.tailStart == 0 {
		b.tailStart = env.Seq
	}
	if len(b.tail) > tailCap {
		drop := len(b.tail) - tailCap
		b.tail = append(b.tail[:0], b.tail[drop:]...)
		b.tailStart += int64(drop)
	}

	b.deliver(env)
	return b.seq
}

// PublishSynthetic delivers a clock tick or chat line carrying the current
// seq. It is not retained and does not advance the sequence.
func (b *Bus) PublishSynthetic(kind Kind, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.deliver(Envelope{Seq: b.seq, Kind: kind, Payload: payload})
}

// deliver fans env out without blocking. Caller holds b.mu.
func (b *Bus) deliver(env Envelope) {
	for id, sub := range b.subs {
		if sub.dead {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			// Queue full: the subscriber has fallen too far behind to ever
			// see a consistent stream. Drop it; the gateway closes the
			// socket and the client resubscribes.
			sub.dead = true
			close(sub.ch)
			delete(b.subs, id)
			metrics.EventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close drops every subscriber and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if !sub.dead {
			sub.dead = true
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}
