package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/liteclaw/clawgate/internal/gateway/protocol"
)

// ErrBusClosed is returned when emitting on a bus that is not running.
var ErrBusClosed = errors.New("event bus is not running")

// Subscriber receives events from the bus. Deliver must not block; it reports
// false when the frame was not queued.
type Subscriber interface {
	ID() string
	Wants(event string) bool
	Deliver(frame *protocol.EventFrame) bool
}

type emission struct {
	event   string
	payload interface{}
	domains []string
	reply   chan *protocol.EventFrame
}

// EventBus assigns sequence numbers and state versions from a single goroutine
// and fans frames out to subscribers.
type EventBus struct {
	requests chan emission
	done     chan struct{}
	started  atomic.Bool
	running  atomic.Bool

	subsMu sync.RWMutex
	subs   map[string]Subscriber

	// Owned by the Run goroutine; the atomics mirror them for readers.
	seq      int64
	presence int64
	health   int64

	lastSeq      atomic.Int64
	lastPresence atomic.Int64
	lastHealth   atomic.Int64
	dropped      atomic.Uint64

	logger zerolog.Logger
}

// NewEventBus creates a bus. Call Run to start it.
func NewEventBus(logger zerolog.Logger) *EventBus {
	return &EventBus{
		requests: make(chan emission, 64),
		done:     make(chan struct{}),
		subs:     make(map[string]Subscriber),
		logger:   logger.With().Str("component", "events").Logger(),
	}
}

// Run processes emissions until ctx is cancelled. A bus runs at most once.
func (b *EventBus) Run(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.running.Store(true)
	defer close(b.done)
	defer b.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case em := <-b.requests:
			em.reply <- b.publish(em)
		}
	}
}

// Running reports whether Run is active.
func (b *EventBus) Running() bool {
	return b.running.Load()
}

// Subscribe registers s for fan-out. A subscriber with the same id is replaced.
func (b *EventBus) Subscribe(s Subscriber) {
	b.subsMu.Lock()
	b.subs[s.ID()] = s
	b.subsMu.Unlock()
}

// Unsubscribe removes the subscriber with id.
func (b *EventBus) Unsubscribe(id string) {
	b.subsMu.Lock()
	delete(b.subs, id)
	b.subsMu.Unlock()
}

// Emit publishes an event and returns the sequenced frame. Each domain listed
// has its state version bumped as part of this emission.
func (b *EventBus) Emit(ctx context.Context, event string, payload interface{}, domains ...string) (*protocol.EventFrame, error) {
	if !b.running.Load() {
		return nil, ErrBusClosed
	}

	em := emission{event: event, payload: payload, domains: domains, reply: make(chan *protocol.EventFrame, 1)}
	select {
	case b.requests <- em:
	case <-b.done:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case frame := <-em.reply:
		return frame, nil
	case <-b.done:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Seq returns the last assigned sequence number.
func (b *EventBus) Seq() int64 {
	return b.lastSeq.Load()
}

// StateVersion returns the current per-domain versions.
func (b *EventBus) StateVersion() protocol.StateVersion {
	return protocol.StateVersion{
		Presence: b.lastPresence.Load(),
		Health:   b.lastHealth.Load(),
	}
}

// Dropped returns how many frames subscribers refused.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *EventBus) publish(em emission) *protocol.EventFrame {
	b.seq++
	frame := protocol.NewEvent(em.event, em.payload)
	frame.Seq = b.seq

	if len(em.domains) > 0 {
		for _, d := range em.domains {
			switch d {
			case protocol.DomainPresence:
				b.presence++
			case protocol.DomainHealth:
				b.health++
			default:
				b.logger.Warn().Str("domain", d).Str("event", em.event).Msg("Unknown state domain")
			}
		}
		frame.StateVersion = &protocol.StateVersion{Presence: b.presence, Health: b.health}
	}

	b.lastSeq.Store(b.seq)
	b.lastPresence.Store(b.presence)
	b.lastHealth.Store(b.health)

	b.subsMu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.subsMu.RUnlock()

	for _, s := range targets {
		b.deliver(s, frame)
	}
	return frame
}

func (b *EventBus) deliver(s Subscriber, frame *protocol.EventFrame) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("subscriber", s.ID()).Msg("Subscriber panicked")
		}
	}()

	if !s.Wants(frame.Event) {
		return
	}
	if !s.Deliver(frame) {
		b.dropped.Add(1)
		b.logger.Debug().Str("subscriber", s.ID()).Str("event", frame.Event).Int64("seq", frame.Seq).Msg("Event dropped")
	}
}
