// Package broker implements spec §4.6's event broker: typed update
// envelopes fanned out to subscribers with a per-subscriber monotonic
// version, coalescing backpressure, and drop-the-slow-subscriber overflow
// handling. Grounded on the teacher's internal/ws.Broadcaster
// (internal/ws/broadcast.go): a registered-client map guarded by a mutex,
// a per-client buffered outbound channel fed by a dedicated goroutine, and
// "client can't keep up -> disconnect it" on a full channel. AgentLens adds
// the coalescing layer spec §4.5/§5 ask for ("a pending update per envelope
// type per trace is sufficient") on top of that same shape, replacing the
// teacher's gorilla/websocket transport with a plain Go channel that
// internal/api adapts to SSE.
package broker

import (
	"sync"
	"sync/atomic"

	"github.com/agentlens/daemon/internal/index"
	"github.com/agentlens/daemon/internal/trace"
)

// EnvelopeType is the typed tag of one broker message, per spec §4.5/§4.6.
type EnvelopeType string

const (
	TypeTraceAdded      EnvelopeType = "trace_added"
	TypeTraceUpdated    EnvelopeType = "trace_updated"
	TypeTraceRemoved    EnvelopeType = "trace_removed"
	TypeEventsAppended  EnvelopeType = "events_appended"
	TypeOverviewUpdated EnvelopeType = "overview_updated"
	TypeSnapshot        EnvelopeType = "snapshot"
)

// Envelope is the §4.6 update-envelope shape: {id, type, version, payload}.
type Envelope struct {
	ID      string       `json:"id"`
	Type    EnvelopeType `json:"type"`
	Version uint64       `json:"version"`
	Payload any          `json:"payload"`
}

// TracePayload is the payload for trace_added/trace_updated/events_appended.
type TracePayload struct {
	Summary trace.TraceSummary      `json:"summary"`
	Events  []trace.NormalizedEvent `json:"events,omitempty"`
}

// RemovedPayload is the payload for trace_removed.
type RemovedPayload struct {
	ID string `json:"id"`
}

// SnapshotPayload is the payload sent as the first frame of every new
// subscription, per §4.6 Subscribe.
type SnapshotPayload struct {
	Summaries []trace.TraceSummary `json:"summaries"`
	Overview  trace.OverviewStats  `json:"overview"`
}

// DefaultQueueDepth is the per-subscriber pending-envelope count above
// which the broker disconnects the subscriber as too slow.
const DefaultQueueDepth = 256

var envelopeSeq atomic.Uint64

func nextEnvelopeID() string {
	return "env-" + itoa64(envelopeSeq.Add(1))
}

func itoa64(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// subscriber holds one Subscribe() caller's coalescing state and outbound
// channel. pending is keyed by "type:traceId" so at most one update per
// envelope type per trace accumulates while the consumer is behind.
type subscriber struct {
	id    uint64
	out   chan Envelope
	depth int

	mu       sync.Mutex
	version  uint64
	pending  map[string]*Envelope
	keyOrder []string
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func (s *subscriber) queue(key string, build func(version uint64) Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.version++
	env := build(s.version)
	if _, exists := s.pending[key]; !exists {
		s.keyOrder = append(s.keyOrder, key)
	}
	s.pending[key] = &env
	overflow := len(s.pending) > s.depth
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return !overflow
}

// run is the subscriber's sole writer goroutine for s.out, so it is also
// the only goroutine allowed to close it — closing from Unsubscribe while a
// send might be in flight would race with that send and panic.
func (s *subscriber) run(b *Broker) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			keys := s.keyOrder
			envs := make([]Envelope, 0, len(keys))
			for _, k := range keys {
				if e, ok := s.pending[k]; ok {
					envs = append(envs, *e)
				}
			}
			s.pending = make(map[string]*Envelope)
			s.keyOrder = nil
			s.mu.Unlock()

			for _, e := range envs {
				select {
				case s.out <- e:
				case <-s.done:
					return
				}
			}
		}
	}
}

// Broker fans out Index refresh batches to subscribers. Wire it to an
// Index via index.Notify = broker.Publish.
type Broker struct {
	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextSubID uint64
	depth     int
}

// New builds a Broker. depth <= 0 uses DefaultQueueDepth.
func New(depth int) *Broker {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Broker{subs: make(map[uint64]*subscriber), depth: depth}
}

// Subscribe registers a new subscriber, immediately queuing a snapshot
// envelope built from snapshot, and returns the subscriber id (for
// Unsubscribe) and the channel to read envelopes from. The channel is
// closed when Unsubscribe is called or the subscriber is dropped for being
// too slow.
func (b *Broker) Subscribe(snapshot SnapshotPayload) (uint64, <-chan Envelope) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	s := &subscriber{
		id:      id,
		out:     make(chan Envelope, b.depth),
		depth:   b.depth,
		pending: make(map[string]*Envelope),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.subs[id] = s
	b.mu.Unlock()

	go s.run(b)
	s.queue("snapshot", func(version uint64) Envelope {
		return Envelope{ID: nextEnvelopeID(), Type: TypeSnapshot, Version: version, Payload: snapshot}
	})
	return id, s.out
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broker) Unsubscribe(id uint64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

// SubscriberCount reports the number of currently connected subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish is the index.Notify hook: it fans out one refresh batch to every
// subscriber, coalescing per (type, traceId) and dropping any subscriber
// whose pending queue overflowed.
func (b *Broker) Publish(updates []index.Update) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		ok := true
		for _, u := range updates {
			key := string(u.Kind) + ":" + u.TraceID
			env := envelopeFor(u)
			if !s.queue(key, func(version uint64) Envelope {
				env.Version = version
				return env
			}) {
				ok = false
			}
		}
		if !ok {
			b.Unsubscribe(s.id)
		}
	}
}

func envelopeFor(u index.Update) Envelope {
	env := Envelope{ID: nextEnvelopeID(), Type: EnvelopeType(u.Kind)}
	switch u.Kind {
	case index.TraceAdded, index.TraceUpdated, index.EventsAppended:
		payload := TracePayload{Events: u.Events}
		if u.Summary != nil {
			payload.Summary = *u.Summary
		}
		env.Payload = payload
	case index.TraceRemoved:
		env.Payload = RemovedPayload{ID: u.TraceID}
	case index.OverviewUpdated:
		if u.Overview != nil {
			env.Payload = *u.Overview
		}
	}
	return env
}
