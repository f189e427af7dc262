package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func TestScheduler_Lifecycle(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	require.NoError(t, s.AddJob("tick", Schedule{Every: time.Hour}, 0, noop))
	assert.Error(t, s.AddJob("tick", Schedule{Every: time.Hour}, 0, noop))
	assert.Error(t, s.AddJob("empty", Schedule{}, 0, noop))
	assert.Error(t, s.AddJob("both", Schedule{Every: time.Second, Expr: "* * * * * *"}, 0, noop))
	assert.Error(t, s.AddJob("bad", Schedule{Expr: "not a cron"}, 0, noop))
	assert.Error(t, s.AddJob("nil", Schedule{Every: time.Second}, 0, nil))

	job, ok := s.GetJob("tick")
	require.True(t, ok)
	assert.Equal(t, time.Hour, job.Schedule.Every)
	assert.Len(t, s.Jobs(), 1)

	require.NoError(t, s.RemoveJob("tick"))
	assert.Error(t, s.RemoveJob("tick"))
	_, ok = s.GetJob("tick")
	assert.False(t, ok)
}

func TestScheduler_RunJobNow(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	var runs atomic.Int32
	require.NoError(t, s.AddJob("ok", Schedule{Every: time.Hour}, time.Second, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.AddJob("fails", Schedule{Every: time.Hour}, time.Second, func(ctx context.Context) error {
		return errors.New("boom")
	}))

	require.NoError(t, s.RunJobNow("ok"))
	require.NoError(t, s.RunJobNow("fails"))
	assert.Error(t, s.RunJobNow("missing"))

	require.Eventually(t, func() bool {
		ok, _ := s.GetJob("ok")
		failed, _ := s.GetJob("fails")
		return ok.State.Runs == 1 && failed.State.Runs == 1
	}, 2*time.Second, 10*time.Millisecond)

	ok, _ := s.GetJob("ok")
	assert.Equal(t, "ok", ok.State.LastStatus)
	failed, _ := s.GetJob("fails")
	assert.Equal(t, "error", failed.State.LastStatus)
	assert.Equal(t, "boom", failed.State.LastError)
	assert.Equal(t, int32(1), runs.Load())
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	s := NewScheduler(zerolog.Nop())

	fired := make(chan struct{}, 4)
	require.NoError(t, s.AddJob("fast", Schedule{Expr: "* * * * * *"}, 0, func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}))

	s.Start()
	assert.True(t, s.IsRunning())
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}
