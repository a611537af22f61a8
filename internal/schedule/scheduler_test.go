package schedule

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

func TestScheduler_RunsTasksOnInterval(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int64

	err := s.Start(context.Background(), []Task{{
		Name:     "counter",
		Interval: 50 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}})
	require.NoError(t, err)
	defer s.Stop()

	time.Sleep(180 * time.Millisecond)
	assert.GreaterOrEqual(t, runs.Load(), int64(2))
}

func TestScheduler_ImmediateRunsOnce(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var runs atomic.Int64

	err := s.Start(context.Background(), []Task{{
		Name:      "primer",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}})
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, int64(1), runs.Load(), "immediate task ran synchronously at start")
}

func TestScheduler_TaskErrorDoesNotStopOthers(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var good atomic.Int64

	err := s.Start(context.Background(), []Task{
		{
			Name:     "failing",
			Interval: 30 * time.Millisecond,
			Run:      func(context.Context) error { return errors.New("boom") },
		},
		{
			Name:     "healthy",
			Interval: 30 * time.Millisecond,
			Run: func(context.Context) error {
				good.Add(1)
				return nil
			},
		},
	})
	require.NoError(t, err)
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	assert.GreaterOrEqual(t, good.Load(), int64(2), "healthy task keeps running")
}

func TestScheduler_NoSelfOverlap(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	var concurrent, max atomic.Int64

	err := s.Start(context.Background(), []Task{{
		Name:     "slow",
		Interval: 20 * time.Millisecond,
		Run: func(context.Context) error {
			cur := concurrent.Add(1)
			if cur > max.Load() {
				max.Store(cur)
			}
			time.Sleep(60 * time.Millisecond)
			concurrent.Add(-1)
			return nil
		},
	}})
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)
	s.Stop()
	assert.Equal(t, int64(1), max.Load(), "a slow task never runs concurrently with itself")
}

func TestScheduler_StopCancelsTaskContext(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	cancelled := make(chan struct{}, 1)

	err := s.Start(context.Background(), []Task{{
		Name:     "watcher",
		Interval: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				select {
				case cancelled <- struct{}{}:
				default:
				}
			case <-time.After(500 * time.Millisecond):
			}
			return nil
		},
	}})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	s.Stop()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled on stop")
	}
}

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	assert.Error(t, s.Add(Task{Name: "bad", Interval: 0, Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Add(Task{Name: "empty", Interval: time.Second}))
}
