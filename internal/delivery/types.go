// Package delivery implements the outbound delivery queue: retrying, single-claim
// dispatch of outbound messages to channel adapters.
package delivery

import (
	"errors"
	"time"

	"github.com/liteclaw/clawgate/internal/channels"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue holds Capacity live messages.
	ErrQueueFull = errors.New("delivery queue full")
	// ErrNotFound is returned for unknown message ids.
	ErrNotFound = errors.New("queued message not found")
)

// Status is the lifecycle state of a queued message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// QueuedMessage is a snapshot of one queued outbound message.
type QueuedMessage struct {
	ID          string                   `json:"id"`
	ChannelID   string                   `json:"channelId"`
	AccountID   string                   `json:"accountId,omitempty"`
	Message     channels.OutboundMessage `json:"message"`
	Status      Status                   `json:"status"`
	Attempts    int                      `json:"attempts"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
	NextRetryAt time.Time                `json:"nextRetryAt,omitempty"`
	ExpiresAt   time.Time                `json:"expiresAt,omitempty"`
	LastError   string                   `json:"lastError,omitempty"`
	Result      *channels.SendResult     `json:"result,omitempty"`
}

// RetryPolicy controls attempts and backoff. It is fixed for the lifetime of a queue.
type RetryPolicy struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExponentialBackoff bool
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxDelay:           time.Minute,
		ExponentialBackoff: true,
	}
}

// Delay returns the wait before the next attempt, given the attempts made so far.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if !p.ExponentialBackoff || attempts <= 1 {
		return p.capped(p.BaseDelay)
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return p.capped(d)
}

func (p RetryPolicy) capped(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Stats summarises the queue. Pending and InFlight are current counts; the rest are
// totals since start.
type Stats struct {
	Pending   int    `json:"pending"`
	InFlight  int    `json:"inFlight"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Tracked   int    `json:"tracked"`
}
