package gateway

import (
	"fmt"
	"sync"
)

// OverflowPolicy decides what a full outbound queue does with new frames.
type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest queued event to make room.
	OverflowDropOldest OverflowPolicy = "drop-oldest"
	// OverflowDisconnect closes the connection.
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy maps a config value to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDisconnect:
		return OverflowDisconnect, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

type pushResult int

const (
	pushed pushResult = iota
	pushedDroppedOldest
	droppedNew
	overflowed
	queueClosed
)

type outboundItem struct {
	data     []byte
	critical bool // responses and shutdown are never dropped
	final    bool // the shutdown event may exceed capacity
}

// outboundQueue is the bounded per-connection send buffer. push never blocks.
type outboundQueue struct {
	mu       sync.Mutex
	items    []outboundItem
	capacity int
	policy   OverflowPolicy
	closed   bool
	dropped  uint64
	ready    chan struct{}
}

func newOutboundQueue(capacity int, policy OverflowPolicy) *outboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &outboundQueue{
		items:    make([]outboundItem, 0, capacity),
		capacity: capacity,
		policy:   policy,
		ready:    make(chan struct{}, 1),
	}
}

func (q *outboundQueue) push(item outboundItem) pushResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queueClosed
	}

	result := pushed
	if len(q.items) >= q.capacity && !item.final {
		if q.policy == OverflowDisconnect {
			return overflowed
		}
		idx := -1
		for i, it := range q.items {
			if !it.critical {
				idx = i
				break
			}
		}
		switch {
		case idx >= 0:
			copy(q.items[idx:], q.items[idx+1:])
			q.items[len(q.items)-1] = outboundItem{}
			q.items = q.items[:len(q.items)-1]
			q.dropped++
			result = pushedDroppedOldest
		case !item.critical:
			// Everything queued is a response; the new event goes instead.
			q.dropped++
			return droppedNew
		default:
			return overflowed
		}
	}

	q.items = append(q.items, item)
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return result
}

// next blocks until an item is available. It returns false once the queue is
// closed and drained, or when stop fires.
func (q *outboundQueue) next(stop <-chan struct{}) ([]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = outboundItem{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return item.data, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, false
		}
		select {
		case <-q.ready:
		case <-stop:
			return nil, false
		}
	}
}

// close rejects further pushes. Items already queued are still drained.
func (q *outboundQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *outboundQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
