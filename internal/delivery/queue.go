package delivery

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/infra"
)

// AdapterLookup resolves a channel id to its adapter. *channels.Registry implements it.
type AdapterLookup interface {
	Get(id string) (channels.Adapter, bool)
}

// Options configures a Queue.
type Options struct {
	Workers  int
	Capacity int // live (pending + in flight) messages; 0 means unbounded
	Policy   RetryPolicy

	// MessageTTL fails messages still pending after this long. 0 disables expiry.
	MessageTTL time.Duration

	// BreakerThreshold consecutive retriable failures open the breaker for a
	// channel/account pair. 0 disables breakers.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Clock Clock

	// OnSettled is called, outside the queue lock, whenever a message reaches a
	// terminal status.
	OnSettled func(QueuedMessage)
}

type entry struct {
	msg     QueuedMessage
	order   uint64
	index   int // position in the ready heap, -1 when not pending
	claimed bool
}

// readyHeap orders pending messages by (NextRetryAt, enqueue order).
type readyHeap []*entry

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h[i].msg.NextRetryAt, h[j].msg.NextRetryAt
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].order < h[j].order
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Queue dispatches outbound messages to channel adapters with bounded retries.
// A message is owned by at most one worker at a time; adapter calls never run
// under the queue lock.
type Queue struct {
	adapters AdapterLookup
	opts     Options
	clock    Clock
	logger   zerolog.Logger
	wake     chan struct{}

	mu        sync.Mutex
	entries   map[string]*entry
	ready     readyHeap
	order     uint64
	pending   int
	inFlight  int
	delivered uint64
	failed    uint64
	cancelled uint64
	entropy   io.Reader

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[*channels.SendResult]
}

// New creates a queue. Workers start with Run.
func New(adapters AdapterLookup, opts Options, logger zerolog.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}

	now := opts.Clock.Now()
	return &Queue{
		adapters: adapters,
		opts:     opts,
		clock:    opts.Clock,
		logger:   logger.With().Str("component", "delivery").Logger(),
		wake:     make(chan struct{}, 1),
		entries:  make(map[string]*entry),
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*channels.SendResult]),
	}
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.opts.Policy
}

// Enqueue adds a message for delivery and returns its id. It never blocks; a full
// queue returns ErrQueueFull.
func (q *Queue) Enqueue(msg *channels.OutboundMessage, channelID, accountID string) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("outbound message is required")
	}
	if channelID == "" {
		return "", fmt.Errorf("channel id is required")
	}

	now := q.clock.Now()

	q.mu.Lock()
	if q.opts.Capacity > 0 && q.pending+q.inFlight >= q.opts.Capacity {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: capacity %d", ErrQueueFull, q.opts.Capacity)
	}

	id := ulid.MustNew(ulid.Timestamp(now), q.entropy).String()
	e := &entry{
		msg: QueuedMessage{
			ID:          id,
			ChannelID:   channelID,
			AccountID:   accountID,
			Message:     *msg,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			NextRetryAt: now,
		},
		order: q.order,
	}
	if q.opts.MessageTTL > 0 {
		e.msg.ExpiresAt = now.Add(q.opts.MessageTTL)
	}
	q.order++
	q.entries[id] = e
	heap.Push(&q.ready, e)
	q.pending++
	q.mu.Unlock()

	q.signal()

	q.logger.Debug().
		Str("id", id).
		Str("channel", channelID).
		Str("account", accountID).
		Str("chat", msg.ChatID).
		Msg("Message queued")

	return id, nil
}

// Cancel stops further delivery of a message. It returns true iff the message was
// pending or in flight. An attempt already in flight is not interrupted, but its
// outcome no longer changes the status.
func (q *Queue) Cancel(id string) bool {
	now := q.clock.Now()

	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.msg.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	if e.msg.Status == StatusPending {
		heap.Remove(&q.ready, e.index)
		q.pending--
	}
	e.msg.Status = StatusCancelled
	e.msg.UpdatedAt = now
	q.cancelled++
	snap := e.msg
	q.mu.Unlock()

	q.logger.Info().Str("id", id).Msg("Message cancelled")
	q.notify(snap)
	return true
}

// Status returns a snapshot of one message.
func (q *Queue) Status(id string) (QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return QueuedMessage{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.msg, nil
}

// Stats returns current counts and totals.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Pending:   q.pending,
		InFlight:  q.inFlight,
		Delivered: q.delivered,
		Failed:    q.failed,
		Cancelled: q.cancelled,
		Tracked:   len(q.entries),
	}
}

// Purge forgets terminal messages last updated more than olderThan ago and returns
// how many were removed.
func (q *Queue) Purge(olderThan time.Duration) int {
	cutoff := q.clock.Now().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		if e.claimed || !e.msg.Status.Terminal() || !e.msg.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(q.entries, id)
		removed++
	}
	return removed
}

// Run starts the worker pool and blocks until ctx is cancelled and every worker has
// finished its current attempt.
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info().Int("workers", q.opts.Workers).Msg("Delivery queue started")

	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	wg.Wait()

	q.logger.Info().Msg("Delivery queue stopped")
}

// Step claims the earliest ready message, if any, and runs one attempt synchronously.
// It reports whether an attempt ran.
func (q *Queue) Step(ctx context.Context) bool {
	m, _ := q.next()
	if m == nil {
		return false
	}
	q.attempt(ctx, *m)
	return true
}

func (q *Queue) work(ctx context.Context) {
	// Attempts that already started run to completion on shutdown.
	sendCtx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		m, wait := q.next()
		if m != nil {
			q.attempt(sendCtx, *m)
			continue
		}

		var timer <-chan time.Time
		if wait > 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-timer:
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) next() (*QueuedMessage, time.Duration) {
	m, wait, expired := q.claim()
	for _, x := range expired {
		q.logger.Warn().Str("id", x.ID).Str("channel", x.ChannelID).Msg("Message expired before delivery")
		q.notify(x)
	}
	return m, wait
}

// claim pops the earliest ready message and marks it in flight. When nothing is
// ready it returns the wait until the next scheduled retry, or zero if idle.
func (q *Queue) claim() (*QueuedMessage, time.Duration, []QueuedMessage) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []QueuedMessage
	for q.ready.Len() > 0 {
		e := q.ready[0]
		if e.msg.NextRetryAt.After(now) {
			return nil, e.msg.NextRetryAt.Sub(now), expired
		}

		heap.Pop(&q.ready)
		q.pending--

		if !e.msg.ExpiresAt.IsZero() && !now.Before(e.msg.ExpiresAt) {
			e.msg.Status = StatusFailed
			e.msg.LastError = "expired"
			e.msg.UpdatedAt = now
			q.failed++
			expired = append(expired, e.msg)
			continue
		}

		e.msg.Status = StatusInFlight
		e.msg.UpdatedAt = now
		e.claimed = true
		q.inFlight++

		if q.ready.Len() > 0 && !q.ready[0].msg.NextRetryAt.After(now) {
			q.signal()
		}

		snap := e.msg
		return &snap, 0, expired
	}
	return nil, 0, expired
}

func (q *Queue) attempt(ctx context.Context, m QueuedMessage) {
	ctx, span := infra.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery.id", m.ID),
		attribute.String("delivery.channel", m.ChannelID),
		attribute.Int("delivery.attempt", m.Attempts+1),
	)
	res, err := q.send(ctx, m)
	infra.EndSpan(span, err)

	if settled := q.finish(m.ID, res, err); settled != nil {
		q.notify(*settled)
	}
}

func (q *Queue) send(ctx context.Context, m QueuedMessage) (*channels.SendResult, error) {
	adapter, ok := q.adapters.Get(m.ChannelID)
	if !ok {
		return nil, channels.NewError(m.ChannelID, channels.KindNotFound, "no adapter registered")
	}

	msg := m.Message
	send := func() (*channels.SendResult, error) {
		return adapter.Send(ctx, m.AccountID, &msg)
	}

	cb := q.breaker(m.ChannelID, m.AccountID)
	if cb == nil {
		return send()
	}
	res, err := cb.Execute(send)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, channels.NewError(m.ChannelID, channels.KindUnavailable, "circuit open: %v", err)
	}
	return res, err
}

// finish records the outcome of an attempt and returns a snapshot when the message
// became terminal.
func (q *Queue) finish(id string, res *channels.SendResult, err error) *QueuedMessage {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	e.claimed = false
	q.inFlight--
	e.msg.Attempts++
	e.msg.UpdatedAt = now
	if err != nil {
		e.msg.LastError = err.Error()
	} else {
		e.msg.Result = res
		e.msg.LastError = ""
	}

	// Cancelled while in flight: already counted and reported by Cancel.
	if e.msg.Status == StatusCancelled {
		return nil
	}

	if err == nil {
		e.msg.Status = StatusDelivered
		q.delivered++
		q.logger.Info().
			Str("id", id).
			Str("channel", e.msg.ChannelID).
			Int("attempts", e.msg.Attempts).
			Msg("Message delivered")
		snap := e.msg
		return &snap
	}

	if !channels.IsRetriable(err) || e.msg.Attempts >= q.opts.Policy.MaxAttempts {
		e.msg.Status = StatusFailed
		q.failed++
		q.logger.Warn().
			Err(err).
			Str("id", id).
			Str("channel", e.msg.ChannelID).
			Int("attempts", e.msg.Attempts).
			Msg("Message delivery failed")
		snap := e.msg
		return &snap
	}

	delay := q.opts.Policy.Delay(e.msg.Attempts)
	if hint := channels.RetryAfter(err); hint > delay {
		delay = hint
	}
	e.msg.Status = StatusPending
	e.msg.NextRetryAt = now.Add(delay)
	heap.Push(&q.ready, e)
	q.pending++
	q.signal()

	q.logger.Debug().
		Err(err).
		Str("id", id).
		Int("attempts", e.msg.Attempts).
		Dur("delay", delay).
		Msg("Delivery attempt failed, retry scheduled")
	return nil
}

func (q *Queue) notify(m QueuedMessage) {
	if q.opts.OnSettled != nil {
		q.opts.OnSettled(m)
	}
}
