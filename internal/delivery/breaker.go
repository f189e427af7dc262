package delivery

import (
	"sort"

	"github.com/sony/gobreaker/v2"

	"github.com/liteclaw/clawgate/internal/channels"
)

// BreakerState describes the circuit breaker of one channel/account pair.
type BreakerState struct {
	Key                 string `json:"key"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutiveFailures"`
}

func (q *Queue) breaker(channelID, accountID string) *gobreaker.CircuitBreaker[*channels.SendResult] {
	if q.opts.BreakerThreshold == 0 {
		return nil
	}

	key := channelID + "/" + accountID

	q.breakersMu.Lock()
	defer q.breakersMu.Unlock()

	if cb, ok := q.breakers[key]; ok {
		return cb
	}

	threshold := q.opts.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker[*channels.SendResult](gobreaker.Settings{
		Name:        "channel:" + key,
		MaxRequests: 1,
		Timeout:     q.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			q.logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
		// Terminal errors say nothing about channel health.
		IsSuccessful: func(err error) bool {
			return err == nil || !channels.IsRetriable(err)
		},
	})
	q.breakers[key] = cb
	return cb
}

// Breakers reports the state of every breaker created so far, sorted by key.
func (q *Queue) Breakers() []BreakerState {
	q.breakersMu.Lock()
	defer q.breakersMu.Unlock()

	out := make([]BreakerState, 0, len(q.breakers))
	for key, cb := range q.breakers {
		out = append(out, BreakerState{
			Key:                 key,
			State:               cb.State().String(),
			ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
